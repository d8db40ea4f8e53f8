package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"echodb/internal/config"
	"echodb/internal/models"
)

// ErrEventRejected is returned when a transform drops an event, either a
// script returning null/undefined or a rule excluding its type.
var ErrEventRejected = errors.New("event rejected by transformer")

// Message is a transformed event ready for publishing.
type Message struct {
	Table string
	Type  string
	Data  []byte
}

// Transformer reshapes events based on configuration rules or a script
type Transformer struct {
	config   config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	jsScript string
	natsConn *nats.Conn // exposed to scripts as `nats`
}

// RuleMatcher matches and applies one configured rule
type RuleMatcher struct {
	table     string
	eventType string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a transformer. natsConn may be nil.
func NewTransformer(cfg config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	t := &Transformer{
		config:   cfg,
		logger:   logger,
		natsConn: natsConn,
	}
	if !cfg.Enabled {
		return t, nil
	}

	if cfg.Script != "" {
		script, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if _, err := compileScript(goja.New(), string(script)); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		t.jsScript = string(script)
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			table:     rule.Table,
			eventType: rule.Type,
			include:   lowerSet(rule.Include),
			exclude:   lowerSet(rule.Exclude),
			rename:    make(map[string]string, len(rule.Rename)),
			addFields: rule.AddFields,
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		t.rules = append(t.rules, matcher)
	}

	return t, nil
}

func lowerSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[strings.ToLower(f)] = true
	}
	return set
}

// Transform converts an event into a message. Without a script or a
// matching rule the event is published unchanged.
func (t *Transformer) Transform(event models.Event) (*Message, error) {
	if t.config.Enabled && t.jsScript != "" {
		return t.transformWithJavaScript(event)
	}
	if t.config.Enabled {
		for _, rule := range t.rules {
			if rule.matches(event.Table, event.Type) {
				return t.transformWithRule(event, rule)
			}
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &Message{Table: event.Table, Type: event.Type, Data: data}, nil
}

// transformWithRule filters and renames diff fields and adds static fields
// to the top level of the message.
func (t *Transformer) transformWithRule(event models.Event, rule *RuleMatcher) (*Message, error) {
	diff := make(models.Diff, len(event.Diff))
	for field, change := range event.Diff {
		key := strings.ToLower(field)
		if len(rule.exclude) > 0 && rule.exclude[key] {
			continue
		}
		if len(rule.include) > 0 && !rule.include[key] {
			continue
		}
		if renamed, ok := rule.rename[key]; ok {
			field = renamed
		}
		diff[field] = change
	}
	event.Diff = diff

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(rule.addFields) > 0 {
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		for k, v := range rule.addFields {
			if _, taken := doc[k]; !taken {
				doc[k] = v
			}
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
	}

	return &Message{Table: event.Table, Type: event.Type, Data: data}, nil
}

// transformWithJavaScript runs the script's transform function on the event.
// The returned object is published as-is; its table and type, when strings,
// pick the subject.
func (t *Transformer) transformWithJavaScript(event models.Event) (*Message, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	// goja.Runtime is not safe for concurrent use; each call gets its own.
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	transform, err := compileScript(vm, t.jsScript)
	if err != nil {
		return nil, err
	}

	parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	input, err := parse(goja.Undefined(), vm.ToValue(string(eventJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := transform(goja.Undefined(), input)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, ErrEventRejected
	}

	data, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	msg := &Message{Table: event.Table, Type: event.Type, Data: data}
	var routing struct {
		Table interface{} `json:"table"`
		Type  interface{} `json:"type"`
	}
	if json.Unmarshal(data, &routing) == nil {
		if s, ok := routing.Table.(string); ok && s != "" {
			msg.Table = s
		}
		if s, ok := routing.Type.(string); ok && s != "" {
			msg.Type = s
		}
	}
	t.logger.Debugf("JavaScript transformation result: %s", data)
	return msg, nil
}

// compileScript runs script in vm and returns its transform function: either
// the value the script evaluates to or a global named transform.
func compileScript(vm *goja.Runtime, script string) (goja.Callable, error) {
	result, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if fn, ok := goja.AssertFunction(result); ok {
		return fn, nil
	}
	if fn, ok := goja.AssertFunction(vm.Get("transform")); ok {
		return fn, nil
	}
	return nil, errors.New("script must export a function (either anonymous function or named 'transform' function)")
}

// matches reports whether the rule applies (empty matches all)
func (r *RuleMatcher) matches(table, eventType string) bool {
	if r.table != "" && !strings.EqualFold(r.table, table) {
		return false
	}
	if r.eventType != "" && !strings.EqualFold(r.eventType, eventType) {
		return false
	}
	return true
}

// setupConsoleBindings routes console.* calls to the logger
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	console := vm.NewObject()
	bind := func(name string, log func(args ...interface{})) error {
		return console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			log(fmt.Sprint(args...))
			return goja.Undefined()
		})
	}

	for name, log := range map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	} {
		if err := bind(name, log); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}

// setupNATSBindings exposes nats.publish and the JetStream key-value store
// (nats.kv.get/put/delete) to scripts.
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	encode := func(fn string, v goja.Value) []byte {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			panic(vm.NewTypeError("nats.%s: value is required", fn))
		}
		switch x := v.Export().(type) {
		case string:
			return []byte(x)
		case []byte:
			return x
		default:
			data, err := json.Marshal(x)
			if err != nil {
				panic(vm.NewTypeError("nats.%s: failed to marshal value: %v", fn, err))
			}
			return data
		}
	}
	bucket := func(fn string, call goja.FunctionCall) (nats.KeyValue, string) {
		name, key := call.Argument(0).String(), call.Argument(1).String()
		if name == "" || key == "" {
			panic(vm.NewTypeError("nats.kv.%s: bucket and key are required", fn))
		}
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(name)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", name, err)))
		}
		return kv, key
	}

	natsObj := vm.NewObject()
	kvObj := vm.NewObject()

	err := errors.Join(
		natsObj.Set("publish", func(call goja.FunctionCall) goja.Value {
			subject := call.Argument(0).String()
			if subject == "" {
				panic(vm.NewTypeError("nats.publish: subject is required"))
			}
			if err := t.natsConn.Publish(subject, encode("publish", call.Argument(1))); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}),
		kvObj.Set("get", func(call goja.FunctionCall) goja.Value {
			kv, key := bucket("get", call)
			entry, err := kv.Get(key)
			if errors.Is(err, nats.ErrKeyNotFound) {
				return goja.Null()
			}
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(string(entry.Value()))
		}),
		kvObj.Set("put", func(call goja.FunctionCall) goja.Value {
			kv, key := bucket("put", call)
			if _, err := kv.Put(key, encode("kv.put", call.Argument(2))); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}),
		kvObj.Set("delete", func(call goja.FunctionCall) goja.Value {
			kv, key := bucket("delete", call)
			if err := kv.Delete(key); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}),
		natsObj.Set("kv", kvObj),
		vm.Set("nats", natsObj),
	)
	if err != nil {
		return fmt.Errorf("failed to set nats bindings: %w", err)
	}
	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg config.ProcessorConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
		if len(cfg.Rules) > 0 {
			return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
		}
	}

	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}
		if len(rule.Include) == 0 {
			continue
		}
		included := lowerSet(rule.Include)
		for oldName := range rule.Rename {
			if !included[strings.ToLower(oldName)] {
				return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, oldName)
			}
		}
	}

	return nil
}
