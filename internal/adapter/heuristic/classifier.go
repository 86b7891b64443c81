// Package heuristic implements a keyword-based classifier.Classifier that
// runs in-process without any remote dependency.
package heuristic

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/classifier"
)

// Name is reported in Classification.ClassifierUsed.
const Name = "heuristic"

const (
	defaultConfidence = 0.3
	uniqueBoost       = 0.2
	uniqueCap         = 0.95
	sharedCap         = 0.85

	simpleMaxWords  = 20
	complexMinWords = 100

	// reasoningPatterns caps how many matched patterns the reasoning lists.
	reasoningPatterns = 3
)

// typeOrder fixes evaluation order so ties resolve deterministically.
var typeOrder = []task.Type{
	task.TypeBugFix,
	task.TypeFeature,
	task.TypeRefactor,
	task.TypeTest,
	task.TypeDocumentation,
	task.TypeDeployment,
}

var typeKeywords = map[task.Type][]string{
	task.TypeBugFix: {
		`\bbug\b`, `\berror\b`, `\bfix\b`, `\bcrash\b`,
		`\bissue\b`, `\bfail(s|ing|ed)?\b`, `\bbroken\b`,
		`\bdefect\b`, `\bproblem\b`, `\bincorrect\b`,
	},
	task.TypeFeature: {
		`\badd\b`, `\bimplement\b`, `\bcreate\b`, `\bnew\b`,
		`\bfeature\b`, `\benhance\b`, `\bsupport\b`,
		`\bintroduce\b`, `\bextend\b`, `\bbuild\b`,
	},
	task.TypeRefactor: {
		`\brefactor\b`, `\bclean\b`, `\boptimize\b`,
		`\bimprove\b`, `\breorganize\b`, `\brestructure\b`,
		`\bsimplify\b`, `\bmodernize\b`, `\bupgrade\b`,
	},
	task.TypeTest: {
		`\btest\b`, `\bunit test\b`, `\bintegration test\b`,
		`\bcoverage\b`, `\bspec\b`, `\bvalidate\b`,
		`\bverify\b`, `\bmock\b`, `\bassertion\b`,
	},
	task.TypeDocumentation: {
		`\bdoc(s|umentation)?\b`, `\breadme\b`, `\bcomment\b`,
		`\bexplain\b`, `\bdescribe\b`, `\bguide\b`,
		`\btutorial\b`, `\bexample\b`, `\bannotate\b`,
	},
	task.TypeDeployment: {
		`\bdeploy\b`, `\brelease\b`, `\bci/cd\b`, `\bpipeline\b`,
		`\bdocker\b`, `\bkubernetes\b`, `\bhelm\b`,
		`\bcontainer\b`, `\binfrastructure\b`,
	},
}

var (
	simpleKeywords = []string{
		`\bsmall\b`, `\bquick\b`, `\bminor\b`, `\btrivial\b`,
		`\btypo\b`, `\bone[ -]line\b`, `\bsimple\b`,
	}
	complexKeywords = []string{
		`\bcomplex\b`, `\bmajor\b`, `\barchitecture\b`,
		`\brewrite\b`, `\bmigration\b`, `\brefactor all\b`,
		`\blarge[ -]scale\b`, `\bentire\b`, `\bsystem[ -]wide\b`,
	}
)

var (
	estimatedTokens = map[task.Complexity]int{
		task.ComplexitySimple:  2000,
		task.ComplexityMedium:  6000,
		task.ComplexityComplex: 20000,
	}
	suggestedStrategy = map[task.Complexity]execution.Strategy{
		task.ComplexitySimple:  execution.StrategySingleShot,
		task.ComplexityMedium:  execution.StrategyIterative,
		task.ComplexityComplex: execution.StrategyMultiAgent,
	}
)

// Classifier classifies descriptions by counting keyword matches.
// It is safe for concurrent use.
type Classifier struct {
	types   map[task.Type][]*regexp.Regexp
	simple  []*regexp.Regexp
	complex []*regexp.Regexp
}

var _ classifier.Classifier = (*Classifier)(nil)

// New compiles the keyword tables.
func New() *Classifier {
	c := &Classifier{
		types:   make(map[task.Type][]*regexp.Regexp, len(typeKeywords)),
		simple:  compile(simpleKeywords),
		complex: compile(complexKeywords),
	}
	for typ, patterns := range typeKeywords {
		c.types[typ] = compile(patterns)
	}
	return c
}

// Classify implements classifier.Classifier. It never fails.
func (c *Classifier) Classify(ctx context.Context, description string) (classifier.Classification, error) {
	if err := ctx.Err(); err != nil {
		return classifier.Classification{}, err
	}

	complexity := c.complexity(description)

	counts := make(map[task.Type]int, len(typeOrder))
	var best task.Type
	total := 0
	for _, typ := range typeOrder {
		n := countMatches(c.types[typ], description)
		if n == 0 {
			continue
		}
		counts[typ] = n
		total += n
		if best == "" || n > counts[best] {
			best = typ
		}
	}

	if best == "" {
		return classifier.Classification{
			Type:              task.TypeFeature,
			Complexity:        complexity,
			Confidence:        defaultConfidence,
			Reasoning:         "no keyword matches, defaulting to feature",
			SuggestedStrategy: string(execution.StrategyIterative),
			EstimatedTokens:   estimatedTokens[task.ComplexitySimple],
			ClassifierUsed:    Name,
		}, nil
	}

	confidence := float64(counts[best]) / float64(total)
	if len(counts) == 1 {
		confidence = min(uniqueCap, confidence+uniqueBoost)
	} else {
		confidence = min(sharedCap, confidence)
	}

	var matched []string
	for _, re := range c.types[best] {
		if len(matched) == reasoningPatterns {
			break
		}
		if re.MatchString(description) {
			matched = append(matched, strings.TrimPrefix(re.String(), "(?i)"))
		}
	}

	return classifier.Classification{
		Type:              best,
		Complexity:        complexity,
		Confidence:        confidence,
		Reasoning:         fmt.Sprintf("matched %d keywords for %s: %s", counts[best], best, strings.Join(matched, ", ")),
		SuggestedStrategy: string(suggestedStrategy[complexity]),
		EstimatedTokens:   estimatedTokens[complexity],
		ClassifierUsed:    Name,
	}, nil
}

// complexity prefers explicit indicators and falls back to description length.
func (c *Classifier) complexity(description string) task.Complexity {
	switch {
	case countMatches(c.complex, description) > 0:
		return task.ComplexityComplex
	case countMatches(c.simple, description) > 0:
		return task.ComplexitySimple
	}

	words := len(strings.Fields(description))
	switch {
	case words < simpleMaxWords:
		return task.ComplexitySimple
	case words > complexMinWords:
		return task.ComplexityComplex
	default:
		return task.ComplexityMedium
	}
}

func countMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}
