package query

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"cartograph/internal/llm"
	"cartograph/internal/store"
)

// Source is one distinct document behind the answer, in citation order.
type Source struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Answer is the complete query response.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

const codeFallback = "I don't have access to the specific documentation needed to provide " +
	"accurate code examples for your question. Please check the official " +
	"documentation or add the relevant documentation to your knowledge base."

func generalFallback(query string) string {
	return "I apologize, but I couldn't find relevant information to answer your question: '" + query + "'. " +
		"This might be because the topic isn't covered in the available documentation. " +
		"Please try rephrasing your question or ask about a different topic."
}

// Assembler packages the fused chunk list for the external generator and
// renders the final answer. It never returns an error to the caller; every
// failure path degrades to a fallback answer string.
type Assembler struct {
	gen llm.Generator
	log zerolog.Logger
}

// NewAssembler wires the generator.
func NewAssembler(gen llm.Generator, log zerolog.Logger) *Assembler {
	return &Assembler{gen: gen, log: log}
}

// Assemble builds the source list and asks the generator for the answer.
func (a *Assembler) Assemble(ctx context.Context, query string, tag Tag, chunks []store.SearchResult) Answer {
	sources := collectSources(chunks)

	if len(chunks) == 0 {
		return Answer{Answer: a.emptyContextAnswer(ctx, query, tag), Sources: []Source{}}
	}

	prompt := buildPrompt(query, tag, chunks)
	answer, err := a.gen.Generate(ctx, llm.GenerateRequest{Prompt: prompt})
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil {
			a.log.Error().Err(err).Msg("answer generation failed")
		}
		return Answer{Answer: generalFallback(query), Sources: sources}
	}
	return Answer{Answer: answer, Sources: sources}
}

// emptyContextAnswer: code-flavoured tags get a static refusal (the model
// would hallucinate configuration), everything else gets a general-knowledge
// answer.
func (a *Assembler) emptyContextAnswer(ctx context.Context, query string, tag Tag) string {
	if tag == TagInfraCode || tag == TagCodeGeneration {
		return codeFallback
	}
	prompt := "Answer the question using general knowledge.\n\nQuestion: " + query + "\n\nAnswer (Markdown):"
	answer, err := a.gen.Generate(ctx, llm.GenerateRequest{Prompt: prompt})
	if err != nil || strings.TrimSpace(answer) == "" {
		return generalFallback(query)
	}
	return answer
}

// collectSources deduplicates documents in first-seen order; that order is
// the citation order.
func collectSources(chunks []store.SearchResult) []Source {
	seen := make(map[string]bool)
	sources := []Source{}
	for _, c := range chunks {
		id := c.DocID.String()
		if seen[id] {
			continue
		}
		seen[id] = true
		sources = append(sources, Source{ID: id, Name: c.DocFilename, URI: c.OriginalGCS})
	}
	return sources
}

func buildPrompt(query string, tag Tag, chunks []store.SearchResult) string {
	switch tag {
	case TagInfraCode:
		var code, docs []string
		for _, c := range chunks {
			if ContainsCode(c.Text) {
				code = append(code, c.Text)
			} else {
				docs = append(docs, c.Text)
			}
		}
		return `You are an infrastructure-as-code expert. Answer the user's question using the provided documentation and code examples.

IMPORTANT GUIDELINES:
1. Provide complete, valid configuration
2. Include all required arguments for resources
3. Use the exact syntax from the documentation
4. Explain what each block does
5. If showing code, format it properly with ` + "```hcl blocks" + `

Code Examples:
` + strings.Join(code, "\n---\n") + `

Documentation:
` + strings.Join(docs, "\n---\n") + `

Question: ` + query + `

Provide a complete answer with working configuration:`

	case TagCodeGeneration:
		return `Answer the user's code-related question using the provided documentation.

GUIDELINES:
1. Provide working, complete code examples
2. Explain the code clearly
3. Use proper formatting with code blocks
4. Include any necessary imports or dependencies
5. Mention any prerequisites or setup required

Documentation:
` + joinTexts(chunks) + `

Question: ` + query + `

Answer with complete code examples:`

	default:
		return `Answer the user's question based on the provided context. If context is insufficient, say so.

Context:
---
` + joinTexts(chunks) + `
---

Question: ` + query + `

Answer (Markdown):`
	}
}

func joinTexts(chunks []store.SearchResult) string {
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n---\n")
}
