package study

import "studygen/pkg/contract"

const header = "Given the following text:\n\n{{.Text}}\n"

const flashcardsTemplate = header +
	"Create 8 to 15 flashcards from this text. " +
	"IGNORE any information about the author, publisher, module numbers, institutes, table of contents, prefaces, copyright, or anything not related to the main subject matter. " +
	"Do NOT create flashcards about headings, document structure, or generic book information. Only use real factual and conceptual content. " +
	"Each flashcard should be a useful question (with keys: 'question', 'answer') for a student studying the IMPORTANT content of the passage. " +
	`Return ONLY valid JSON: {"flashcards": [ ... ] } ` +
	"All keys and string values MUST be double-quoted. Do NOT add any text, comments, or explanations before or after the JSON."

const quizTemplate = header +
	"Your task is to create 4 to 8 multiple-choice quiz questions that test understanding of the FACTUAL and CONCEPTUAL content in the main teaching or subject matter of the passage. " +
	"IGNORE and DO NOT create any quiz questions about the author, publisher, institute, module numbers, chapter/section titles, copyright notices, table of contents, or document structure. " +
	"Exclude questions about who wrote the text, where it was written, or anything not related to subject facts or concepts. " +
	"Each question must have:\n" +
	" - a 'question' key (the MCQ),\n" +
	" - an 'options' key (a list of 4 plausible answer choices),\n" +
	" - an 'answer' key (the CORRECT answer string exactly matching one of the options).\n" +
	"Return ONLY valid JSON: {\"quiz\": [ ... ] }\n" +
	"All keys and string values MUST be double-quoted. Do NOT add any extra text, comments, explanations, or code block markers before or after the JSON."

const summaryTemplate = header +
	"Write a clear multi-paragraph summary covering ONLY the main facts, important concepts, and substantive teaching points from the passage. " +
	"IGNORE and DO NOT include anything about the author, publisher, copyright, module numbers, table of contents, document section headings, or preface/acknowledgement/institutional notes. " +
	"Focus ONLY on summarizing the primary educational or subject matter content. " +
	"Return ONLY valid JSON: {\"summary\": \"...\" }\n" +
	"All keys and string values MUST be double-quoted. Do NOT add any extra text, comments, explanations, or code block markers before or after the JSON."

// DefaultTemplate 返回模式的内置模板源（text/template 语法，数据为 {{.Text}} 与 {{.Mode}}）。
func DefaultTemplate(m contract.Mode) string {
	switch m {
	case contract.ModeFlashcards:
		return flashcardsTemplate
	case contract.ModeQuiz:
		return quizTemplate
	default:
		return summaryTemplate
	}
}
