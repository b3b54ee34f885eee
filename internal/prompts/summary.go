package prompts

import (
	"fmt"
	"strings"
)

// summarizeTemplate asks for a chunk summary. The single format verb is
// the transcript.
const summarizeTemplate = `Summarize this excerpt of a conversation between a user and their assistant. The summary is all the assistant will see of it later, until it chooses to read the excerpt in full, so it must say what is in there.

Respond with JSON only, with exactly these fields:

{
  "summary": "2-5 sentences: topics discussed, decisions made, facts stated, tasks done or left open",
  "topics": ["lowercase", "keywords", "3-7 of them"]
}

Mention names, dates, numbers and identifiers that someone might later search for.

Conversation:
%s

JSON:`

// SummarizePrompt returns the prompt for summarizing one chunk.
func SummarizePrompt(transcript string) string {
	return fmt.Sprintf(summarizeTemplate, transcript)
}

// mergeTemplate asks for one summary covering several consecutive
// chunk summaries. The single format verb is the numbered summaries.
const mergeTemplate = `These are summaries of consecutive parts of one conversation, oldest first. Write one summary covering all of them.

Respond with JSON only, with exactly these fields:

{
  "summary": "3-7 sentences covering every part in order; keep names, dates, numbers and identifiers",
  "topics": ["lowercase", "keywords", "3-10 of them"]
}

Summaries:
%s

JSON:`

// MergePrompt returns the prompt for merging chunk summaries given in
// chronological order.
func MergePrompt(summaries []string) string {
	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(s))
	}
	return fmt.Sprintf(mergeTemplate, strings.TrimRight(sb.String(), "\n"))
}

// selectTemplate asks which chunks may answer a query. The format verbs
// are the query and the catalog.
const selectTemplate = `An assistant is looking through its archived conversation for: %q

Below is a catalog of archived chunks, one per line, as "id | topics | summary". Pick the chunks whose full text is likely to help. Pick none if nothing fits.

Respond with JSON only:

{"ids": ["chunk id", "..."]}

Catalog:
%s

JSON:`

// SelectPrompt returns the prompt for picking relevant chunks. Each
// catalog line is "id | topics | summary".
func SelectPrompt(query string, catalog []string) string {
	return fmt.Sprintf(selectTemplate, query, strings.Join(catalog, "\n"))
}
