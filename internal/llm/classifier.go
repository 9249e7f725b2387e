package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/mail"
)

// Kind tags a Classification.
type Kind int

const (
	Unparseable Kind = iota
	Newsletter
	NotNewsletter
)

func (k Kind) String() string {
	switch k {
	case Newsletter:
		return "NEWSLETTER"
	case NotNewsletter:
		return "NOT_NEWSLETTER"
	default:
		return "UNPARSEABLE"
	}
}

// Classification is the parsed classifier verdict. Topics is non-empty
// exactly when Kind is Newsletter; Raw is kept for Unparseable results.
type Classification struct {
	Kind   Kind
	Topics []string
	Reason string
	Raw    string
}

// Classifier asks the generator whether an item is a newsletter and which
// topics it covers.
type Classifier struct {
	gen Generator
	log *zap.Logger
}

func NewClassifier(gen Generator, log *zap.Logger) *Classifier {
	return &Classifier{gen: gen, log: logging.Named(log, "classifier")}
}

// Classify returns an error only when the collaborator call itself fails.
// Malformed output comes back as an Unparseable classification and is not
// retried.
func (c *Classifier) Classify(ctx context.Context, item *mail.Item) (Classification, error) {
	text, err := c.gen.Generate(ctx, classifyPrompt(item))
	if err != nil {
		return Classification{}, fmt.Errorf("classify %s: %w", item.ID, err)
	}

	result := ParseClassification(text)
	c.log.Info("item classified",
		zap.String("item_id", item.ID),
		zap.Stringer("kind", result.Kind),
		zap.Strings("topics", result.Topics),
		zap.String("reason", result.Reason),
	)
	return result, nil
}

type verdict struct {
	Type   string   `json:"type"`
	Reason string   `json:"reason"`
	Topics []string `json:"topics"`
}

// ParseClassification extracts the first ```json fenced block and decodes
// it. Anything that does not fit the schema is Unparseable.
func ParseClassification(text string) Classification {
	unparseable := Classification{Kind: Unparseable, Raw: text}

	block, ok := fencedJSON(text)
	if !ok {
		return unparseable
	}

	var v verdict
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		return unparseable
	}

	switch strings.ToUpper(strings.TrimSpace(v.Type)) {
	case "NEWSLETTER":
		topics := make([]string, 0, len(v.Topics))
		for _, t := range v.Topics {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
		if len(topics) == 0 {
			return unparseable
		}
		return Classification{Kind: Newsletter, Topics: topics, Reason: v.Reason}
	case "NOT_NEWSLETTER":
		return Classification{Kind: NotNewsletter, Reason: v.Reason}
	default:
		return unparseable
	}
}

// fencedJSON returns the body of the first fence tagged json in any case.
// Offsets are taken on text itself; case folding may change byte lengths.
func fencedJSON(text string) (string, bool) {
	const fence, tag = "```", "json"

	for rest := text; ; {
		i := strings.Index(rest, fence)
		if i < 0 {
			return "", false
		}
		rest = rest[i+len(fence):]
		if len(rest) < len(tag) || !strings.EqualFold(rest[:len(tag)], tag) {
			continue
		}
		body := rest[len(tag):]
		end := strings.Index(body, fence)
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(body[:end]), true
	}
}
