package clue

import (
	"strings"
	"unicode/utf8"
)

// Render flattens a clue into the text block stored per source document.
// QA pairs come first, then paragraphs, blocks separated by blank lines.
func Render(c *Clue) string {
	if c == nil || c.NoClue {
		return ""
	}
	var blocks []string
	for _, qa := range c.QAPairs {
		blocks = append(blocks, "Q: "+qa.Question+"\nA: "+qa.Answer)
	}
	blocks = append(blocks, c.Paragraphs...)
	return strings.Join(blocks, "\n\n")
}

// MergeContent combines two rendered clue blocks for the same document.
// QA pairs deduplicate by exact (question, answer) match; paragraphs by
// signature. QA pairs always precede paragraphs in the output, and
// first-seen order is preserved within each group. Merging a block with
// itself returns it unchanged, which makes source merging idempotent.
func MergeContent(existing, incoming string) string {
	qas, paras := parseBlocks(existing)
	qas2, paras2 := parseBlocks(incoming)

	seenQA := make(map[string]bool, len(qas))
	var outQA []QAPair
	for _, qa := range append(qas, qas2...) {
		k := qa.Question + "\x00" + qa.Answer
		if seenQA[k] {
			continue
		}
		seenQA[k] = true
		outQA = append(outQA, qa)
	}

	seenPara := make(map[string]bool, len(paras))
	var outParas []string
	for _, p := range append(paras, paras2...) {
		sig := paragraphSignature(p)
		if sig == "" || seenPara[sig] {
			continue
		}
		seenPara[sig] = true
		outParas = append(outParas, p)
	}

	return Render(&Clue{QAPairs: outQA, Paragraphs: outParas})
}

// parseBlocks splits a rendered clue back into QA pairs and paragraphs.
// Citation lines and figure captions are dropped on the way through so
// they cannot re-enter via cached or previously merged content.
func parseBlocks(content string) ([]QAPair, []string) {
	var qas []QAPair
	var paras []string

	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if qa, ok := parseQA(block); ok {
			qas = append(qas, qa)
			continue
		}
		if isCitationLine(block) || isFigureCaption(block) {
			continue
		}
		paras = append(paras, block)
	}
	return qas, paras
}

func parseQA(block string) (QAPair, bool) {
	if !strings.HasPrefix(block, "Q: ") {
		return QAPair{}, false
	}
	idx := strings.Index(block, "\nA: ")
	if idx == -1 {
		return QAPair{}, false
	}
	return QAPair{
		Question: strings.TrimSpace(block[3:idx]),
		Answer:   strings.TrimSpace(block[idx+4:]),
	}, true
}

// paragraphSignature normalizes whitespace and keeps the first 50 runes,
// so trivially reflowed copies of the same paragraph collapse together.
func paragraphSignature(p string) string {
	normalized := strings.Join(strings.Fields(p), " ")
	if utf8.RuneCountInString(normalized) <= 50 {
		return normalized
	}
	return string([]rune(normalized)[:50])
}
