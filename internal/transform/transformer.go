package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

// ErrNotificationRejected is returned when a JavaScript transform function
// drops a notification by returning null or undefined
var ErrNotificationRejected = errors.New("notification rejected by transformer")

// Publisher is the subset of *nats.Conn exposed to scripts
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Transformer rewrites outbound notifications according to configuration
type Transformer struct {
	config  *config.ProcessorConfig
	logger  *logrus.Logger
	rules   []*RuleMatcher
	program *goja.Program // compiled once, run in a fresh runtime per call
	nc      Publisher
}

// RuleMatcher matches a table and rewrites its row fields
type RuleMatcher struct {
	table     string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a transformer. A nil or disabled configuration yields
// a transformer that passes notifications through unchanged.
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, nc Publisher) (*Transformer, error) {
	t := &Transformer{
		config: cfg,
		logger: logger,
		nc:     nc,
	}
	if cfg == nil || !cfg.Enabled {
		return t, nil
	}

	if err := ValidateRules(cfg); err != nil {
		return nil, err
	}

	if cfg.Script != "" {
		source, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		program, err := compileScript(cfg.Script, string(source))
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		t.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		m := &RuleMatcher{
			table:     rule.Table,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, f := range rule.Include {
			m.include[strings.ToLower(f)] = true
		}
		for _, f := range rule.Exclude {
			m.exclude[strings.ToLower(f)] = true
		}
		for from, to := range rule.Rename {
			m.rename[strings.ToLower(from)] = to
		}
		t.rules = append(t.rules, m)
	}
	return t, nil
}

// compileScript compiles the script and checks that it yields a transform function
func compileScript(name, source string) (*goja.Program, error) {
	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	vm := goja.New()
	if _, err := resolveFunction(vm, program); err != nil {
		return nil, err
	}
	return program, nil
}

// resolveFunction runs the program and returns either the anonymous function
// it evaluates to or a global named "transform"
func resolveFunction(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	result, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	if named := vm.Get("transform"); named != nil {
		if fn, ok := goja.AssertFunction(named); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies the configured script or rules to n
func (t *Transformer) Transform(n *models.Notification) (*models.Notification, error) {
	if t.config == nil || !t.config.Enabled {
		return n, nil
	}
	if t.program != nil {
		return t.transformWithJavaScript(n)
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(n), nil
	}
	return n, nil
}

func (t *Transformer) transformWithJavaScript(n *models.Notification) (*models.Notification, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}

	// goja runtimes are not safe for concurrent use; handlers run in parallel
	vm := goja.New()
	t.bindConsole(vm)
	if t.nc != nil {
		t.bindNATS(vm)
	}

	fn, err := resolveFunction(vm, t.program)
	if err != nil {
		return nil, err
	}

	// Parse inside the runtime so the script works on plain JS objects
	if err := vm.Set("notificationJSON", string(data)); err != nil {
		return nil, fmt.Errorf("failed to set notification JSON: %w", err)
	}
	input, err := vm.RunString("JSON.parse(notificationJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification JSON: %w", err)
	}

	result, err := fn(goja.Undefined(), input)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Notification %s rejected by JavaScript transformer", n.ID)
		return nil, ErrNotificationRejected
	}

	raw, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var out models.Notification
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	// Extra fields added by the script survive through RawJSON
	out.RawJSON = raw
	return &out, nil
}

func (t *Transformer) transformWithRules(n *models.Notification) *models.Notification {
	var rule *RuleMatcher
	for _, r := range t.rules {
		if r.matches(n.Table) {
			rule = r
			break
		}
	}
	if rule == nil {
		return n
	}

	out := *n
	out.Rows = rule.applyAll(n.Rows)
	if n.OldRows != nil {
		out.OldRows = rule.applyAll(n.OldRows)
	}
	return &out
}

func (r *RuleMatcher) applyAll(rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, r.apply(row))
	}
	return out
}

// apply filters and renames the fields of one row. Row identifiers are
// always kept.
func (r *RuleMatcher) apply(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row)+len(r.addFields))
	for k, v := range r.addFields {
		out[k] = v
	}
	for key, value := range row {
		lower := strings.ToLower(key)
		if !isIdentifier(key) {
			if r.exclude[lower] {
				continue
			}
			if len(r.include) > 0 && !r.include[lower] {
				continue
			}
		}
		if renamed, ok := r.rename[lower]; ok {
			key = renamed
		}
		out[key] = value
	}
	return out
}

func isIdentifier(key string) bool {
	switch key {
	case "rowId", "groupId", "markupId":
		return true
	}
	return false
}

// matches reports whether the rule applies to table (empty rule table = all)
func (r *RuleMatcher) matches(table string) bool {
	return r.table == "" || strings.EqualFold(r.table, table)
}

func (t *Transformer) bindConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	format := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		return fmt.Sprint(args...)
	}
	logAt := func(level logrus.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			t.logger.Log(level, format(call))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(logrus.InfoLevel))
	_ = console.Set("info", logAt(logrus.InfoLevel))
	_ = console.Set("warn", logAt(logrus.WarnLevel))
	_ = console.Set("error", logAt(logrus.ErrorLevel))
	_ = console.Set("debug", logAt(logrus.DebugLevel))
	_ = vm.Set("console", console)
}

// bindNATS exposes nats.publish(subject, data) to scripts
func (t *Transformer) bindNATS(vm *goja.Runtime) {
	obj := vm.NewObject()
	_ = obj.Set("publish", func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		arg := call.Argument(1)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			panic(vm.NewTypeError("nats.publish: data is required"))
		}

		var data []byte
		switch v := arg.Export().(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				panic(vm.NewTypeError("nats.publish: failed to marshal data: %v", err))
			}
			data = b
		}

		if err := t.nc.Publish(subject, data); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	})
	_ = vm.Set("nats", obj)
}

// ValidateRules validates the notification transform configuration
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
		if len(cfg.Rules) > 0 {
			return fmt.Errorf("cannot specify both 'script' and 'rules'")
		}
	}
	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}
		for from := range rule.Rename {
			if len(rule.Include) == 0 {
				break
			}
			found := false
			for _, inc := range rule.Include {
				if strings.EqualFold(inc, from) {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, from)
			}
		}
	}
	return nil
}
