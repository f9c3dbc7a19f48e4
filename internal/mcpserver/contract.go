package mcpserver

// EditFormatContract describes the text format of field group edits that
// LLM consumers should follow when resubmitting statistics or macros.
const EditFormatContract = `# Character Sheet Edit Format

Statistics and macros are edited by resubmitting the whole group as text.
Fetch the current text with the get_edit_text tool first.

## Structure

` + "```" + `text
- str: 12
- dex: 18
- will: str+dex
` + "```" + `

## Rules

1. **One entry per line**, written ` + "`" + `name: value` + "`" + `. The leading ` + "`" + `- ` + "`" + ` is optional.
   The name ends at the first colon.
2. **Names are matched loosely.** Case and accents are ignored, so ` + "`" + `Force` + "`" + ` and
   ` + "`" + `FORCE` + "`" + ` are the same entry. When a name repeats, the first line wins.
3. **Absent entries are kept.** Leaving a line out does not delete it.
4. **Deleting an entry:** set its value to ` + "`" + `x` + "`" + `, ` + "`" + `X` + "`" + `, ` + "`" + `0` + "`" + ` or nothing.
5. **Statistics** take a number within the template bounds, or a formula over
   other statistics for a combination (e.g. ` + "`" + `str+dex` + "`" + `). Combinations are
   recomputed after every edit.
6. **Macros** take a dice expression; statistic names inside it are replaced by
   their values (e.g. ` + "`" + `1d20+str` + "`" + `).
7. **All or nothing.** One invalid line rejects the whole submission.
8. **Moderation.** When the guild moderates edits, a submission from a
   non-moderator becomes a ticket that a moderator must approve.
`
