package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/logger"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
)

// PDFTextExtractor 使用Eino PDF Parser从简历PDF中提取纯文本
type PDFTextExtractor struct {
	parser *pdf.PDFParser
}

// NewPDFTextExtractor 初始化PDF文本提取器。
// 不按页面分割，整个文档作为连续文本返回，便于后续切块。
func NewPDFTextExtractor(ctx context.Context) (*PDFTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("创建PDF解析器失败: %w", err)
	}
	return &PDFTextExtractor{parser: p}, nil
}

// ExtractFromReader 从io.Reader中提取PDF的完整文本
func (e *PDFTextExtractor) ExtractFromReader(ctx context.Context, reader io.Reader, uri string) (string, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	docs, err := e.parser.Parse(ctx, reader, einoParser.WithURI(uri))
	if err != nil {
		return "", fmt.Errorf("PDF解析失败(URI=%s): %w", uri, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("PDF解析无结果(URI=%s)", uri)
	}

	// 合并所有文档的内容（ToPages=false时通常只有一个）
	var sb bytes.Buffer
	for i, doc := range docs {
		sb.WriteString(doc.Content)
		if i < len(docs)-1 {
			sb.WriteString("\n\n")
		}
	}
	text := sb.String()

	logger.Ctx(ctx).Debug().
		Str("uri", uri).
		Int("text_length", len(text)).
		Int("document_count", len(docs)).
		Dur("duration", time.Since(startTime)).
		Msg("PDF文本提取完成")

	return text, nil
}

// ExtractFromBytes 从字节数组中提取PDF文本
func (e *PDFTextExtractor) ExtractFromBytes(ctx context.Context, data []byte, uri string) (string, error) {
	return e.ExtractFromReader(ctx, bytes.NewReader(data), uri)
}
