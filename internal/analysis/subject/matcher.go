package subject

import (
	"strings"
	"unicode"
)

// keywordBuckets 为文档库中已整理的议题提供关键词，用于把模型给出的自由文本议题归一到目录名。
var keywordBuckets = map[string][]string{
	"abortion": {
		"abortion", "abortions", "pro life", "pro choice", "roe v wade", "roe", "reproductive rights",
		"unborn", "fetus", "planned parenthood",
	},
	"gun_laws": {
		"gun", "guns", "gun control", "gun laws", "firearm", "firearms", "second amendment",
		"2nd amendment", "assault weapons", "handgun", "rifle", "concealed carry", "background checks",
	},
	"immigration": {
		"immigration", "immigrant", "immigrants", "migrant", "migrants", "border", "asylum",
		"refugee", "refugees", "deportation", "visa", "citizenship",
	},
	"artificial_intelligence_regulation": {
		"artificial intelligence", "ai", "ai regulation", "machine learning", "algorithms",
		"automation", "chatbots", "large language models", "llm", "llms",
	},
	"universal_basic_income": {
		"universal basic income", "basic income", "ubi", "guaranteed income", "cash transfers",
		"negative income tax",
	},
	"universal_healthcare": {
		"universal healthcare", "universal health care", "healthcare", "health care", "single payer",
		"medicare for all", "public option", "health insurance", "socialized medicine",
	},
	"gene_editing": {
		"gene editing", "crispr", "genetic engineering", "designer babies", "germline",
		"gene therapy", "genome editing", "genetic modification",
	},
}

// Matcher 将议题文本映射到已知议题标签。
type Matcher struct {
	known    []string
	keywords map[string][]string
}

// NewMatcher 基于已知议题列表创建 Matcher。列表之外的议题没有关键词，仅支持标签本身匹配。
func NewMatcher(known []string) *Matcher {
	m := &Matcher{keywords: make(map[string][]string, len(known))}
	for _, label := range known {
		label = Label(label)
		if label == "" {
			continue
		}
		if _, dup := m.keywords[label]; dup {
			continue
		}
		m.known = append(m.known, label)

		words := []string{strings.ReplaceAll(label, "_", " ")}
		words = append(words, keywordBuckets[label]...)
		m.keywords[label] = words
	}
	return m
}

// Known 返回已知议题标签，顺序与创建时一致。
func (m *Matcher) Known() []string {
	out := make([]string, len(m.known))
	copy(out, m.known)
	return out
}

// Canonical 返回 raw 对应的已知议题。raw 本身是已知标签时直接返回；否则按关键词命中数打分，
// 平分时取列表中靠前的议题。没有任何命中时返回 false。
func (m *Matcher) Canonical(raw string) (string, bool) {
	label := Label(raw)
	if label == "" {
		return "", false
	}
	if _, ok := m.keywords[label]; ok {
		return label, true
	}

	text := " " + strings.ReplaceAll(label, "_", " ") + " "
	best, bestScore := "", 0
	for _, known := range m.known {
		score := 0
		for _, word := range m.keywords[known] {
			if strings.Contains(text, " "+word+" ") {
				// 多词短语比单词更可信
				score += 1 + strings.Count(word, " ")
			}
		}
		if score > bestScore {
			best, bestScore = known, score
		}
	}

	return best, bestScore > 0
}

// Label 将议题文本规整为标签形式：小写，非字母数字字符折叠为单个下划线。
func Label(raw string) string {
	var builder strings.Builder
	pending := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && builder.Len() > 0 {
				builder.WriteByte('_')
			}
			pending = false
			builder.WriteRune(r)
			continue
		}
		pending = true
	}
	return builder.String()
}
