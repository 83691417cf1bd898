// Package classifier asks a language model which safety courses a person
// needs given a protocol. It returns the model's raw text; interpretation
// belongs to package recommend.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/course-cli/internal/config"
	"github.com/sells-group/course-cli/internal/model"
	"github.com/sells-group/course-cli/internal/resilience"
	"github.com/sells-group/course-cli/pkg/anthropic"
)

// Request is one classification: a protocol, the person it applies to, and
// the courses that may be recommended.
type Request struct {
	Protocol string
	Person   model.Person
	Catalog  model.Catalog
}

// Classifier returns raw recommendation text for a request.
type Classifier interface {
	Classify(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, req Request) (string, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Options tunes the Anthropic classifier.
type Options struct {
	Model            string
	MaxTokens        int64
	MaxProtocolChars int
	RatePerSec       float64
	Retry            resilience.RetryConfig
	Breaker          *resilience.Breaker
}

// OptionsFromConfig builds Options from application config.
func OptionsFromConfig(cfg *config.Config) Options {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Classifier.MaxAttempts
	return Options{
		Model:            cfg.Anthropic.Model,
		MaxTokens:        cfg.Anthropic.MaxTokens,
		MaxProtocolChars: cfg.Classifier.MaxProtocolChars,
		RatePerSec:       cfg.Classifier.RatePerSec,
		Retry:            retry,
		Breaker:          resilience.NewBreaker("anthropic", 5, 0),
	}
}

// Anthropic classifies with Claude. The protocol and catalog go in a cached
// system block, so a cohort sharing one protocol pays for it once.
type Anthropic struct {
	client  anthropic.Client
	opts    Options
	limiter *rate.Limiter
}

// NewAnthropic creates an Anthropic classifier. A non-positive rate disables
// rate limiting.
func NewAnthropic(client anthropic.Client, opts Options) *Anthropic {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker("anthropic", 5, 0)
	}
	return &Anthropic{client: client, opts: opts, limiter: limiter}
}

// Classify sends one request, retrying transient API failures.
func (a *Anthropic) Classify(ctx context.Context, req Request) (string, error) {
	msgReq := anthropic.MessageRequest{
		Model:     a.opts.Model,
		MaxTokens: a.opts.MaxTokens,
		System: anthropic.WithInstructions(instructions,
			anthropic.BuildCachedSystemBlocks(protocolBlock(req, a.opts.MaxProtocolChars))),
		Messages: []anthropic.Message{{Role: "user", Content: personPrompt(req.Person)}},
	}

	retry := a.opts.Retry
	retry.OnRetry = resilience.RetryLogger("classify", zap.String("person_id", req.Person.ID))

	resp, err := resilience.Call(ctx, a.opts.Breaker, resilience.IsTransient,
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				if err := a.limiter.Wait(ctx); err != nil {
					return nil, eris.Wrap(err, "classifier: rate limit wait")
				}
				resp, err := a.client.CreateMessage(ctx, msgReq)
				return resp, resilience.ClassifyStatus(err, anthropic.StatusCode(err))
			})
		})
	if err != nil {
		return "", eris.Wrapf(err, "classifier: classify %s", req.Person.ID)
	}

	resp.Usage.LogCost(a.opts.Model, "classify", zap.String("person_id", req.Person.ID))

	// An empty answer is still an answer; the normalizer turns it into the
	// fallback set.
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		zap.L().Warn("classifier: empty response", zap.String("person_id", req.Person.ID))
	}
	return text, nil
}

const instructions = `You assign workplace safety training. Read the safety protocol and course catalog below, then decide which catalog courses the person described by the user needs in order to work safely under this protocol.

Answer with a single JSON object and nothing else:
{"recommendations":[{"course_id":"<catalog id>","priority":"critical|high|normal|low","renewal_months":<int>,"deadline_days":<int>,"reason":"<one sentence>"}],"reason":"<one sentence summary>"}

Only use course ids from the catalog. Return an empty recommendations list when the protocol does not apply to the person.`

func protocolBlock(req Request, maxChars int) string {
	var b strings.Builder
	b.WriteString("COURSE CATALOG\n")
	for _, c := range req.Catalog {
		fmt.Fprintf(&b, "- %s: %s", c.ID, c.Title)
		if c.Regulation != "" {
			fmt.Fprintf(&b, " [%s]", c.Regulation)
		}
		if c.Description != "" {
			fmt.Fprintf(&b, ". %s", c.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nSAFETY PROTOCOL\n")
	b.WriteString(truncate(req.Protocol, maxChars))
	return b.String()
}

func personPrompt(p model.Person) string {
	return fmt.Sprintf("Person ID: %s\nName: %s\nRole: %s\nDepartment: %s", p.ID, p.Name, p.Role, p.Department)
}

// truncate cuts s to at most n runes. n <= 0 means no limit.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
