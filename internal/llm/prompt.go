package llm

import (
	"fmt"
	"strings"

	"github.com/Martian-dev/newsletter-threader/internal/mail"
	"github.com/Martian-dev/newsletter-threader/internal/search"
)

// SegmentSentinel separates post-sized segments in generated threads.
const SegmentSentinel = "[TWEET]"

const maxPromptBody = 20000

func classifyPrompt(item *mail.Item) string {
	return fmt.Sprintf(`Analyze this email and determine if it's a newsletter. Consider these aspects:
- Subject: %s
- Sender: %s
- Content: %s

Decide NEWSLETTER or NOT_NEWSLETTER and give a brief reason. If it is a newsletter, list the
main topics it discusses, in the order they appear. If only a single topic is discussed,
return a single topic; do not break it down.

Output exactly one fenced block in this format:
`+"```json"+`
{
    "type": "NEWSLETTER" | "NOT_NEWSLETTER",
    "reason": "why",
    "topics": ["topic1", "topic2"]
}
`+"```", item.Subject, item.Sender, clip(item.Body, maxPromptBody))
}

func threadPrompt(topic, source string, researched bool, research []search.Result, maxLen int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Create a short, engaging thread for a social feed about: %s\n\n", topic)
	fmt.Fprintf(&sb, "Primary newsletter content:\n%s\n\n", clip(source, maxPromptBody))

	if researched {
		sb.WriteString("Additional research:\n")
		sb.WriteString(formatResearch(research))
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, `Requirements:
- Each post MUST be under %d characters (strict limit)
- 3-4 posts maximum
- The first post should hook readers
- Use emojis sparingly (1-2 per post)
- No markdown or formatting, no URLs or placeholder links
- Complete thoughts within each post
- Focus on the newsletter's perspective, add context from research when relevant
- Only speak about the topic
- Separate posts with %s
`, maxLen, SegmentSentinel)
	return sb.String()
}

func replyPrompt(text, author string, maxLen int) string {
	return fmt.Sprintf(`Someone addressed our account on a social feed. Write a witty, engaging reply.

Message from @%s: %s

Requirements:
- Must be under %d characters
- Relevant to the message's topic
- Sound natural, not like a bot or spam
- 1-2 emojis maximum
- No hashtags or URLs
- Reply with the text only
`, author, text, maxLen)
}

// formatResearch renders search hits for a prompt. Empty input gets an
// explicit placeholder so the model does not invent sources.
func formatResearch(results []search.Result) string {
	if len(results) == 0 {
		return "No additional information found."
	}
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, fmt.Sprintf("Title: %s\nContent: %s\nSource: %s", r.Title, r.Snippet, r.URL))
	}
	return strings.Join(blocks, "\n\n")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
