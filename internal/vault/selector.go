package vault

import (
	"context"
	"strings"

	"superpost/internal/model"
	"superpost/pkg/errkind"
)

// SelectorConfig maps a letter to the reaction token and the scoreboard
// counter it feeds. Topic rules win over document type rules; letters that
// match neither get DefaultToken and Counter.
type SelectorConfig struct {
	Bundle        string            `yaml:"bundle"`
	DefaultToken  string            `yaml:"default_token"`
	Counter       string            `yaml:"counter"`
	Topics        map[string]string `yaml:"topics"`
	DocumentTypes map[string]string `yaml:"document_types"`
	// Counters overrides Counter per token.
	Counters map[string]string `yaml:"counters"`
}

// DefaultSelectorConfig sends every letter a purple heart counted under hearts.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Bundle:       DefaultBundle,
		DefaultToken: "heartPurple",
		Counter:      "hearts",
		Topics:       map[string]string{"greeting": "heartPurple"},
	}
}

// Selection is what the selector picked for one letter.
type Selection struct {
	Bundle  string
	Token   string
	Counter string
}

type Selector struct {
	cfg SelectorConfig
}

func NewSelector(cfg SelectorConfig) *Selector {
	def := DefaultSelectorConfig()
	if cfg.Bundle == "" {
		cfg.Bundle = def.Bundle
	}
	if cfg.DefaultToken == "" {
		cfg.DefaultToken = def.DefaultToken
	}
	if cfg.Counter == "" {
		cfg.Counter = def.Counter
	}
	return &Selector{cfg: cfg}
}

func (s *Selector) Select(letter *model.Letter) Selection {
	token := s.cfg.DefaultToken
	if t, ok := lookupFold(s.cfg.DocumentTypes, string(letter.DocumentType)); ok {
		token = t
	}
	if t, ok := lookupFold(s.cfg.Topics, letter.Message.Topic); ok {
		token = t
	}
	counter := s.cfg.Counter
	if c, ok := s.cfg.Counters[token]; ok && c != "" {
		counter = c
	}
	return Selection{Bundle: s.cfg.Bundle, Token: token, Counter: counter}
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if key == "" || len(m) == 0 {
		return "", false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Reactions resolves a letter to its decoded reaction.
type Reactions struct {
	vault    Vault
	selector *Selector
}

func NewReactions(v Vault, s *Selector) *Reactions {
	return &Reactions{vault: v, selector: s}
}

// Resolve looks the letter's token up and decodes it. Errors carry the
// vault's classification, so transient lookups can be retried by the caller.
// A missing bundle or token is reported as transient: a secret being rotated
// reappears, so the caller retries it within its budget. The vault's
// NotFoundError stays in the chain.
func (r *Reactions) Resolve(ctx context.Context, letter *model.Letter) (string, Selection, error) {
	sel := r.selector.Select(letter)
	bundle, err := r.vault.GetSecretBundle(ctx, sel.Bundle)
	if err != nil {
		return "", sel, resolveErr(err, letter)
	}
	reaction, err := Decode(bundle, sel.Token)
	if err != nil {
		return "", sel, resolveErr(err, letter)
	}
	return reaction, sel, nil
}

func resolveErr(err error, letter *model.Letter) error {
	if errkind.KindOf(err) == errkind.KindNotFound {
		err = errkind.Transient("vault.resolve", err)
	}
	return errkind.WithLetter(err, letter.LetterID, string(letter.Status))
}
