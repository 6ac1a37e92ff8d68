// Package verify checks proposed patches with tree-sitter before they may
// be applied.
package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
)

// maxErrors bounds how many syntax errors one verdict reports.
const maxErrors = 20

// Verifier rejects patches that do not parse in the target language.
type Verifier struct{}

// New creates a syntax verifier.
func New() *Verifier {
	return &Verifier{}
}

// Verify parses the proposed code. A rejection is a normal verdict;
// only an unsupported language or a cancelled parse is an error.
func (v *Verifier) Verify(ctx context.Context, in domain.VerifyInput) (domain.VerifyOutput, error) {
	if strings.TrimSpace(in.Proposed) == "" {
		return reject("patch is empty"), nil
	}
	if strings.TrimSpace(in.Proposed) == strings.TrimSpace(in.Original) {
		return reject("patch does not change the code"), nil
	}

	lang := in.Language
	if lang == "" {
		lang = DetectLanguage(in.FilePath)
	}
	grammar := grammarFor(lang)
	if grammar == nil {
		return domain.VerifyOutput{}, domain.NewStageError(domain.ErrorFatal, "no grammar for language %q", lang)
	}

	errs, err := parseErrors(ctx, grammar, in.Proposed, 0)
	if err != nil {
		return domain.VerifyOutput{}, err
	}
	// Patches are often statement fragments; those only parse inside a
	// function body.
	if len(errs) > 0 {
		if wrapped, offset, ok := wrapFragment(lang, in.Proposed); ok {
			if werrs, err := parseErrors(ctx, grammar, wrapped, offset); err == nil && len(werrs) == 0 {
				errs = nil
			}
		}
	}

	if len(errs) > 0 {
		return domain.VerifyOutput{Valid: false, Errors: errs}, nil
	}
	return domain.VerifyOutput{Valid: true}, nil
}

// Client wraps the verifier as the verify stage client.
func (v *Verifier) Client(opts ...pipeline.LocalOption) *pipeline.LocalClient {
	return pipeline.NewLocalClient(domain.StageVerify, pipeline.Typed(v.Verify), opts...)
}

func reject(msg string) domain.VerifyOutput {
	return domain.VerifyOutput{Valid: false, Errors: []string{msg}}
}

// Supported reports whether a grammar exists for lang.
func Supported(lang string) bool {
	return grammarFor(lang) != nil
}

// DetectLanguage determines the language from file extension.
func DetectLanguage(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hpp", ".hh":
		return "cpp"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	default:
		return ""
	}
}

func grammarFor(lang string) *sitter.Language {
	switch strings.ToLower(lang) {
	case "c":
		return c.GetLanguage()
	case "cpp", "c++":
		return cpp.GetLanguage()
	case "go", "golang":
		return golang.GetLanguage()
	case "python":
		return python.GetLanguage()
	case "java":
		return java.GetLanguage()
	case "javascript", "js":
		return javascript.GetLanguage()
	default:
		return nil
	}
}

// wrapFragment places a statement fragment inside a function body. offset
// is the number of lines added before the fragment.
func wrapFragment(lang, code string) (string, int, bool) {
	switch strings.ToLower(lang) {
	case "c", "cpp", "c++":
		return "void graphide_fragment(void) {\n" + code + "\n}\n", 1, true
	case "java":
		return "class GraphideFragment {\nvoid fragment() {\n" + code + "\n}\n}\n", 2, true
	case "go", "golang":
		return "package fragment\nfunc fragment() {\n" + code + "\n}\n", 2, true
	default:
		return "", 0, false
	}
}

func parseErrors(ctx context.Context, grammar *sitter.Language, code string, offset int) ([]string, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	src := []byte(code)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, pipeline.ClassifyError(ctx, err, domain.ErrorFatal)
	}
	defer tree.Close()

	var errs []string
	collect(tree.RootNode(), src, offset, &errs, 0)
	return errs, nil
}

// collect walks the tree and records ERROR and MISSING nodes.
func collect(node *sitter.Node, src []byte, offset int, errs *[]string, depth int) {
	if node == nil || depth > 1000 || len(*errs) >= maxErrors {
		return
	}
	if node.IsMissing() || node.IsError() {
		line := int(node.StartPoint().Row) + 1 - offset
		if node.IsMissing() {
			*errs = append(*errs, fmt.Sprintf("line %d: missing %s", line, node.Type()))
		} else {
			*errs = append(*errs, fmt.Sprintf("line %d: unexpected %q", line, snippet(node, src)))
		}
		if node.IsError() {
			return
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collect(node.Child(i), src, offset, errs, depth+1)
	}
}

func snippet(node *sitter.Node, src []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(src)) {
		end = uint32(len(src))
	}
	if start >= end {
		return ""
	}
	text := strings.TrimSpace(string(src[start:end]))
	if i := strings.IndexByte(text, '\n'); i != -1 {
		text = text[:i]
	}
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return text
}
