// Package chunker はテキストを重なりのあるウィンドウに分割します。
package chunker

import (
	"errors"
	"fmt"
)

// ErrInvalidWindow はチャンクサイズ/オーバーラップの組み合わせが不正な場合に返されます。
var ErrInvalidWindow = errors.New("invalid chunk window")

// Metadata はチャンクの元テキスト上の位置を表します（Start/End はコードポイント単位、End は排他的）。
type Metadata struct {
	Start    int `json:"start"`
	End      int `json:"end"`
	Position int `json:"position"`
}

// Chunk は分割されたテキストの一片です。
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Validate は size > 0 かつ 0 <= overlap < size であることを確認します。
func Validate(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidWindow, size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: chunk overlap must be in [0, %d), got %d", ErrInvalidWindow, size, overlap)
	}
	return nil
}

// Split は text を size 文字のウィンドウに分割します。
// ウィンドウの開始位置は size-overlap ずつ進み、末尾に達したウィンドウで終了します。
func Split(text string, size, overlap int) ([]Chunk, error) {
	if err := Validate(size, overlap); err != nil {
		return nil, err
	}

	runes := []rune(text)
	total := len(runes)

	if total <= size {
		return []Chunk{{
			Text:     text,
			Metadata: Metadata{Start: 0, End: total, Position: 0},
		}}, nil
	}

	step := size - overlap
	chunks := make([]Chunk, 0, total/step+1)
	for start := 0; start < total; start += step {
		end := min(start+size, total)
		chunks = append(chunks, Chunk{
			Text: string(runes[start:end]),
			Metadata: Metadata{
				Start:    start,
				End:      end,
				Position: len(chunks),
			},
		})
		if end == total {
			break
		}
	}
	return chunks, nil
}
