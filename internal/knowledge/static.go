package knowledge

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	xerrors "OpenEcon-Agent/internal/errors"
)

// Searcher 定义文档检索的通用接口，返回按相关度降序的片段。
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Fragment, error)
}

// Fragment 描述可供智能体引用的一段文档。
type Fragment struct {
	Text   string  `json:"texto"`
	Source string  `json:"fuente"`
	Title  string  `json:"titulo"`
	Score  float64 `json:"relevancia"`
}

// Document 是一份完整的报告，Title 取自文件首行。
type Document struct {
	Source string
	Title  string
	Body   string
}

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
)

type chunk struct {
	doc   int
	text  string
	terms map[string]struct{}
}

// StaticIndex 是基于关键词重合度的内存索引。
type StaticIndex struct {
	docs   []Document
	chunks []chunk
}

var _ Searcher = (*StaticIndex)(nil)

// NewStaticIndex 对文档分块并建立索引。
func NewStaticIndex(docs []Document) *StaticIndex {
	idx := &StaticIndex{docs: docs}
	for i, doc := range docs {
		for _, text := range split(doc.Body, defaultChunkSize, defaultChunkOverlap) {
			idx.chunks = append(idx.chunks, chunk{doc: i, text: text, terms: termSet(text)})
		}
	}
	return idx
}

// LoadDir 加载目录下全部 .txt 报告。
func LoadDir(dir string) (*StaticIndex, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("文档目录不能为空")
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("扫描文档目录失败: %w", err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		doc, err := readDocument(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return NewStaticIndex(docs), nil
}

func readDocument(path string) (Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("读取文档失败: %w", err)
	}
	defer file.Close()

	var (
		title string
		body  strings.Builder
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if title == "" && strings.TrimSpace(line) != "" {
			title = strings.TrimSpace(line)
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return Document{}, fmt.Errorf("读取文档失败: %w", err)
	}
	return Document{
		Source: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Title:  title,
		Body:   body.String(),
	}, nil
}

// Len 返回索引中的片段数量。
func (s *StaticIndex) Len() int {
	if s == nil {
		return 0
	}
	return len(s.chunks)
}

// Search 根据查询词与片段词汇的重合比例打分。
func (s *StaticIndex) Search(ctx context.Context, query string, k int) ([]Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || len(s.chunks) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "文档索引为空")
	}
	terms := termSet(query)
	if len(terms) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询中没有可检索的词")
	}
	if k <= 0 {
		k = 4
	}

	type scored struct {
		pos   int
		score float64
	}
	ranked := make([]scored, 0, len(s.chunks))
	for i, c := range s.chunks {
		hits := 0
		for term := range terms {
			if _, ok := c.terms[term]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		ranked = append(ranked, scored{pos: i, score: float64(hits) / float64(len(terms))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]Fragment, 0, len(ranked))
	for _, r := range ranked {
		c := s.chunks[r.pos]
		doc := s.docs[c.doc]
		out = append(out, Fragment{
			Text:   c.text,
			Source: doc.Source,
			Title:  doc.Title,
			Score:  math.Round(r.score*1000) / 1000,
		})
	}
	return out, nil
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(word)) <= 2 {
			continue
		}
		set[fold(word)] = struct{}{}
	}
	return set
}

var accents = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u")

func fold(word string) string { return accents.Replace(word) }

// split 按段落聚合为不超过 size 个字符的片段，相邻片段保留 overlap 个字符的重叠。
func split(body string, size, overlap int) []string {
	paragraphs := strings.Split(body, "\n\n")
	var (
		out     []string
		current []rune
	)
	flush := func() {
		text := strings.TrimSpace(string(current))
		if text != "" {
			out = append(out, text)
		}
		if len(current) > overlap {
			current = append([]rune(nil), current[len(current)-overlap:]...)
		} else {
			current = current[:0]
		}
	}
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		runes := []rune(p)
		if len(current) > 0 && len(current)+len(runes)+2 > size {
			flush()
		}
		for len(runes) > size {
			current = append(current, runes[:size]...)
			runes = runes[size:]
			flush()
		}
		if len(current) > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, runes...)
	}
	if strings.TrimSpace(string(current)) != "" {
		text := strings.TrimSpace(string(current))
		if len(out) == 0 || !strings.HasSuffix(out[len(out)-1], text) {
			out = append(out, text)
		}
	}
	return out
}
