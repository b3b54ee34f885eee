// Package prompts contains the LLM prompt templates aide uses internally.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and are checked by
// tests. The persona and talent files the user writes live on disk;
// this package holds the instructions sent to models for internal work
// (chunk summaries, merges, archive selection) and the fixed replies
// shown to the user when a turn cannot complete.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the interpolated
// prompt string.
package prompts
