package mcpserver

// NoteFormatContract describes the Markdown note format that LLM consumers
// should follow when creating notes. Challenge syntax matters: question
// blocks and cloze deletions are what the scheduler picks up.
const NoteFormatContract = `# Perthro Note Format

Notes are plain Markdown. Structure inside the text is derived, not declared:
there is no frontmatter.

## Structure

` + "```" + `markdown
# Human-readable title

#topic #another-topic

Body text in standard Markdown.

Q: What question should the reader be able to answer?
A: The expected answer.

A cloze sentence hides ?[a hint](the answer) inline.
` + "```" + `

## Rules

1. **Title** is the first ` + "`" + `#` + "`" + ` heading. Without one, the first
   non-empty line serves as the title.
2. **Hashtags** are ` + "`" + `#word` + "`" + ` tokens anywhere in the text
   (lowercase, no spaces). Headings do not count as hashtags.
3. **Question challenges** are an adjacent ` + "`" + `Q:` + "`" + ` line followed
   by an ` + "`" + `A:` + "`" + ` line. Each pair becomes one study challenge.
4. **Cloze challenges** use ` + "`" + `?[hint](answer)` + "`" + `. Every cloze
   marker in a sentence becomes its own challenge; the other markers stay
   visible as context.
5. **Editing is safe.** Rewording a question or cloze keeps its scheduling
   history; only removing it entirely discards the history.
6. **Encoding** is UTF-8.

## Example

` + "```" + `markdown
# Photosynthesis

#biology #plants

Q: What pigment absorbs light in photosynthesis?
A: Chlorophyll.

The light reactions happen in the ?[where](thylakoid membranes).
` + "```" + `
`
