package embedding

import "strings"

// Model は埋め込みモデルの情報です。
type Model struct {
	Name        string `json:"name"`
	Dimensions  int    `json:"dimensions"`
	Description string `json:"description"`
}

var knownModels = []Model{
	{Name: "all-minilm:22m", Dimensions: 384, Description: "Local all-MiniLM-L6-v2 embedding model (22M parameters)"},
	{Name: "nomic-embed-text:latest", Dimensions: 768, Description: "Local Nomic AI embedding model"},
	{Name: "text-embedding-3-small", Dimensions: 1536, Description: "OpenAI text-embedding-3-small model"},
	{Name: "text-embedding-3-large", Dimensions: 3072, Description: "OpenAI text-embedding-3-large model"},
	{Name: "snowflake-arctic-embed2", Dimensions: 1024, Description: "Snowflake Arctic Embed2 model"},
	{Name: "all-minilm-l6-v2", Dimensions: 384, Description: "Fast, efficient embedding model"},
	{Name: "e5-small-v2", Dimensions: 384, Description: "Small, efficient text embedding model"},
	{Name: "e5-large-v2", Dimensions: 1024, Description: "Large, high-quality text embedding model"},
	{Name: "bge-small-en", Dimensions: 384, Description: "BGE small model for English text"},
	{Name: "bge-large-en", Dimensions: 1024, Description: "BGE large model for English text"},
}

// Models は既知の埋め込みモデル一覧を返します。
func Models() []Model {
	return append([]Model(nil), knownModels...)
}

// Dimensions はモデル名から埋め込みの次元数を返します。
// 一覧にないモデルは名前に large/small を含むかで推定します。この推定は暫定的なものです。
func Dimensions(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	base, _, _ := strings.Cut(name, ":")
	for _, m := range knownModels {
		if m.Name == name {
			return m.Dimensions
		}
	}
	for _, m := range knownModels {
		if known, _, _ := strings.Cut(m.Name, ":"); known == base {
			return m.Dimensions
		}
	}

	switch {
	case strings.Contains(name, "large"):
		return 1024
	case strings.Contains(name, "small"):
		return 384
	default:
		return 768
	}
}
