package router

import (
	"fmt"
	"os"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

// Rules configures the spam heuristics. An event must pass every enabled rule.
type Rules struct {
	RequireValidSigner bool          `yaml:"require_valid_signer"`
	DropRateLimited    bool          `yaml:"drop_rate_limited"`
	MinAccountAge      time.Duration `yaml:"min_account_age"`
	SpamLabels         []int         `yaml:"spam_labels"`
	SpamFids           []model.Fid   `yaml:"spam_fids"`
	// Types restricts routing to these message types; empty routes all.
	Types []model.MessageType `yaml:"types"`
	// Expr is an optional CEL expression that must evaluate to true to keep
	// a message. See newRuleEnv for the variables in scope.
	Expr string `yaml:"expr"`
}

// DefaultRules drops invalid signers and rate-limited events.
func DefaultRules() Rules {
	return Rules{RequireValidSigner: true, DropRateLimited: true}
}

// ParseRules decodes YAML rules. Omitted keys keep their DefaultRules value.
func ParseRules(data []byte) (Rules, error) {
	rules := DefaultRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse spam rules: %w", err)
	}
	if err := rules.validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// LoadRules reads YAML rules from path.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read spam rules %s: %w", path, err)
	}
	return ParseRules(data)
}

func (r Rules) validate() error {
	if r.MinAccountAge < 0 {
		return fmt.Errorf("spam rules: min_account_age must be >= 0, got %s", r.MinAccountAge)
	}
	for _, t := range r.Types {
		if !t.Valid() {
			return fmt.Errorf("spam rules: unknown message type %q", t)
		}
	}
	return nil
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("fid", cel.IntType),
		cel.Variable("type", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
		cel.Variable("account_age_s", cel.IntType),
		cel.Variable("signer_valid", cel.BoolType),
		cel.Variable("rate_limited", cel.BoolType),
		cel.Variable("spam_label", cel.IntType),
		cel.Variable("mentions", cel.IntType),
		cel.Variable("parent_url", cel.StringType),
	)
}

func compileExpr(expr string) (cel.Program, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile spam rule: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("spam rule must return bool, got %s", ast.OutputType())
	}
	return env.Program(ast)
}
