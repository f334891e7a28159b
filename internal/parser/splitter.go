package parser

import (
	"strings"
)

// 默认的简历切分参数：1000字符一块、相邻块重叠200字符。
// 切块限制了嵌入模型的输入长度，重叠避免技能、经历条目被截断在块边界上。
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// defaultSeparators 递归切分的分隔符，从段落到句子再到单字符逐级降级
var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// TextSplitter 递归字符切分器，优先在段落、句子边界切分长文本
type TextSplitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// TextSplitterOption 切分器的配置选项
type TextSplitterOption func(*TextSplitter)

// WithChunkSize 设置块大小（字符数）
func WithChunkSize(size int) TextSplitterOption {
	return func(s *TextSplitter) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithChunkOverlap 设置相邻块的重叠字符数
func WithChunkOverlap(overlap int) TextSplitterOption {
	return func(s *TextSplitter) {
		if overlap >= 0 {
			s.chunkOverlap = overlap
		}
	}
}

// WithSeparators 覆盖默认的分隔符级联
func WithSeparators(separators []string) TextSplitterOption {
	return func(s *TextSplitter) {
		if len(separators) > 0 {
			s.separators = separators
		}
	}
}

// NewTextSplitter 创建切分器，默认1000/200
func NewTextSplitter(opts ...TextSplitterOption) *TextSplitter {
	s := &TextSplitter{
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		separators:   defaultSeparators,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkOverlap >= s.chunkSize {
		s.chunkOverlap = s.chunkSize / 5
	}
	return s
}

// Split 将文本切分为长度不超过chunkSize的片段，相邻片段重叠约chunkOverlap字符。
// 空白文本返回空切片。按rune计数，多字节字符不会被切断。
func (s *TextSplitter) Split(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []string{}
	}
	return s.splitText(trimmed, s.separators)
}

// splitText 选取文本中实际出现的最高级分隔符切开文本，
// 过长的片段递归用更低级的分隔符继续切，最后合并成带重叠的块
func (s *TextSplitter) splitText(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			rest = nil
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		// 最低级：逐字符切，由merge负责拼成带重叠的定长块
		for _, r := range text {
			splits = append(splits, string(r))
		}
	} else {
		splits = strings.Split(text, separator)
	}

	var finalChunks []string
	var goodSplits []string
	for _, piece := range splits {
		if len([]rune(piece)) < s.chunkSize {
			goodSplits = append(goodSplits, piece)
			continue
		}
		if len(goodSplits) > 0 {
			finalChunks = append(finalChunks, s.mergeSplits(goodSplits, separator)...)
			goodSplits = nil
		}
		if len(rest) == 0 {
			finalChunks = append(finalChunks, piece)
		} else {
			finalChunks = append(finalChunks, s.splitText(piece, rest)...)
		}
	}
	if len(goodSplits) > 0 {
		finalChunks = append(finalChunks, s.mergeSplits(goodSplits, separator)...)
	}
	return finalChunks
}

// mergeSplits 把小片段贪心合并成接近chunkSize的块，
// 块之间保留约chunkOverlap字符的尾部片段作为重叠窗口
func (s *TextSplitter) mergeSplits(splits []string, separator string) []string {
	sepLen := len([]rune(separator))

	var docs []string
	var current []string
	total := 0

	for _, d := range splits {
		l := len([]rune(d))

		extra := 0
		if len(current) > 0 {
			extra = sepLen
		}
		if total+l+extra > s.chunkSize && len(current) > 0 {
			doc := joinSplits(current, separator)
			if doc != "" {
				docs = append(docs, doc)
			}
			// 从窗口头部弹出片段，直到满足重叠预算且能容纳新片段
			for total > s.chunkOverlap || (total+l+sepLen > s.chunkSize && total > 0) {
				head := len([]rune(current[0]))
				total -= head
				if len(current) > 1 {
					total -= sepLen
				}
				current = current[1:]
			}
		}

		if len(current) > 0 {
			total += sepLen
		}
		current = append(current, d)
		total += l
	}

	if doc := joinSplits(current, separator); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func joinSplits(splits []string, separator string) string {
	return strings.TrimSpace(strings.Join(splits, separator))
}
