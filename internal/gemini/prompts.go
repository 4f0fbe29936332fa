package gemini

import "fmt"

const emptyResponseFallback = "I'm sorry, I couldn't generate a response at this time. Please try again."

const ragPromptTemplate = `You are a helpful AI assistant. Answer the user's question using the
context retrieved from the knowledge base below. If the context does not
contain the answer, say so clearly instead of guessing. Do not make up
information.

Context:
%s

User Question:
%s

Answer with a clear, accurate and helpful response based on the context above.`

const plainPromptTemplate = `You are a helpful AI assistant. No knowledge-base documents matched the
question, so answer from general knowledge, keeping the response concise,
correct and supportive.

User Question:
%s`

const filePromptTemplate = `You are a helpful AI assistant. The user is asking about a specific
document. Answer their question based ONLY on the document content provided
below. If the document does not contain relevant information, say so.

Document Content:
%s

User Question: %s`

const imagePromptTemplate = `You are a helpful AI assistant. The user is asking about an image whose
content has already been extracted to the text below. Answer their question
based ONLY on that extracted content. If it does not contain relevant
information, say so.

Extracted Image Content:
%s

User Question: %s`

// buildPrompt selects a template from the context and options. File context
// takes precedence over the retrieval framing; an empty context falls back to
// the plain prompt.
func buildPrompt(query, contextText string, opts GenerateOptions) string {
	switch {
	case contextText != "" && opts.FileContext && opts.Image:
		return fmt.Sprintf(imagePromptTemplate, contextText, query)
	case contextText != "" && opts.FileContext:
		return fmt.Sprintf(filePromptTemplate, contextText, query)
	case contextText != "":
		return fmt.Sprintf(ragPromptTemplate, contextText, query)
	default:
		return fmt.Sprintf(plainPromptTemplate, query)
	}
}
