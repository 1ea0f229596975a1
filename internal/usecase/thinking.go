package usecase

import "strings"

// Thinking-channel delimiters embedded in the raw token stream by
// reasoning-capable models.
const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// segment is a run of text attributed to one channel.
type segment struct {
	text     string
	thinking bool
}

// thinkSplitter separates the thinking side-channel from user-visible text
// in real time. It is stateful: delimiter tags may arrive split across chunk
// boundaries, so a partial tag prefix is held back until the next chunk
// disambiguates it.
type thinkSplitter struct {
	inThinking bool
	pending    string // held-back partial tag prefix
}

// feed consumes one raw chunk and returns the ordered channel segments it
// completes. Text held back as a possible partial tag is not returned until
// resolved; call flush at end of stream to drain it.
func (sp *thinkSplitter) feed(chunk string) []segment {
	input := sp.pending + chunk
	sp.pending = ""

	var segs []segment
	emit := func(text string, thinking bool) {
		if text == "" {
			return
		}
		if n := len(segs); n > 0 && segs[n-1].thinking == thinking {
			segs[n-1].text += text
			return
		}
		segs = append(segs, segment{text: text, thinking: thinking})
	}

	for input != "" {
		tag := thinkOpenTag
		if sp.inThinking {
			tag = thinkCloseTag
		}

		idx := strings.Index(input, tag)
		if idx >= 0 {
			emit(input[:idx], sp.inThinking)
			input = input[idx+len(tag):]
			sp.inThinking = !sp.inThinking
			continue
		}

		// No full tag: hold back the longest suffix that could be the start
		// of one, emit the rest.
		hold := partialTagSuffix(input, tag)
		emit(input[:len(input)-hold], sp.inThinking)
		sp.pending = input[len(input)-hold:]
		break
	}
	return segs
}

// flush drains any held-back text at end of stream; an unresolved partial
// tag is literal text after all.
func (sp *thinkSplitter) flush() []segment {
	if sp.pending == "" {
		return nil
	}
	seg := segment{text: sp.pending, thinking: sp.inThinking}
	sp.pending = ""
	return []segment{seg}
}

// partialTagSuffix returns the length of the longest proper suffix of input
// that is a prefix of tag.
func partialTagSuffix(input, tag string) int {
	max := len(tag) - 1
	if max > len(input) {
		max = len(input)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, input[len(input)-n:]) {
			return n
		}
	}
	return 0
}
