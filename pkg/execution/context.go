// Package execution implements the flow execution core: the per-run variable
// context and the in-memory execution manager.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zapdesk/flowengine/pkg/log"
	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

// safeKeyPattern restricts which variable keys participate in template
// replacement. Keys outside this set are skipped silently so
// attacker-controlled variable names cannot smuggle pattern syntax into the
// interpolation pass.
var safeKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// tokenPattern matches remaining {{...}} tokens after the literal-key pass.
var tokenPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Context holds and interpolates the variables of a single flow run. It is
// owned exclusively by the run's execution state and destroyed with it.
// Node evaluators mutate it concurrently with analytics reads, so all access
// goes through its lock.
type Context struct {
	mu        sync.RWMutex
	variables map[string]any
	nodeData  map[string]any
	startTime time.Time
	logger    *slog.Logger
}

// NewContext creates a run context, optionally pre-seeded with initial
// variables. System variables are always present afterwards.
func NewContext(initial map[string]any) *Context {
	c := &Context{
		variables: make(map[string]any),
		nodeData:  make(map[string]any),
		startTime: time.Now(),
		logger:    log.WithModule("execution_context"),
	}

	for key, value := range initial {
		c.variables[key] = value
	}

	c.setSystemVariables()

	return c
}

// StartTime returns the immutable creation timestamp.
func (c *Context) StartTime() time.Time {
	return c.startTime
}

func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables[key] = value
}

func (c *Context) GetVariable(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.variables[key]
}

func (c *Context) HasVariable(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.variables[key]

	return ok
}

// GetAllVariables returns a snapshot copy of the variable map. Values are
// shared references; the map itself is safe to iterate.
func (c *Context) GetAllVariables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]any, len(c.variables))
	for key, value := range c.variables {
		result[key] = value
	}

	return result
}

// SetSessionVariables merges an external session's variables in with scoping
// rules. Keys already namespaced are copied verbatim; system.* keys are
// dropped so a session can never shadow system variables. Every other key is
// written both under a session-qualified alias and under the bare key: the
// dual write lets templates reference either form, at the cost of bare-key
// collisions between sessions resolving last-merge-wins.
func (c *Context) SetSessionVariables(sessionVariables map[string]any, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range sessionVariables {
		switch {
		case strings.HasPrefix(key, "session.") ||
			strings.HasPrefix(key, "flow.") ||
			strings.HasPrefix(key, "user.") ||
			strings.HasPrefix(key, "contact.") ||
			strings.HasPrefix(key, "message."):
			c.variables[key] = value
		case strings.HasPrefix(key, "system."):
			// dropped
		default:
			c.variables["session."+sessionID+"."+key] = value
			c.variables[key] = value
		}
	}
}

// LoadCapturedVariables hydrates previously captured variables from storage.
// Hydration is best-effort: failures are logged and the context proceeds
// with what it has.
func (c *Context) LoadCapturedVariables(ctx context.Context, store persistence.Storage, sessionID, scope string) {
	captured, err := store.GetFlowVariables(ctx, sessionID, scope)
	if err != nil {
		c.logger.Warn("Failed to load captured variables", "session_id", sessionID, "error", err)

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range captured {
		c.variables[key] = value
	}
}

// GetCapturedVariables returns variables matching the optional prefix,
// excluding the working namespaces that only make sense inside a run. Used
// to extract user-captured data for external persistence.
func (c *Context) GetCapturedVariables(prefix string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]any)

	for key, value := range c.variables {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}

		if strings.HasPrefix(key, "current.") ||
			strings.HasPrefix(key, "flow.") ||
			strings.HasPrefix(key, "session.") ||
			strings.HasPrefix(key, "message.") ||
			strings.HasPrefix(key, "contact.") {
			continue
		}

		result[key] = value
	}

	return result
}

func (c *Context) SetNodeData(nodeID string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodeData[nodeID] = data
}

func (c *Context) GetNodeData(nodeID string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.nodeData[nodeID]
}

// ReplaceVariables interpolates {{key}} tokens in a template. Two passes:
// first every known variable key literally present in the template, then any
// remaining token resolved as a dotted path into stored objects. Unresolved
// tokens are left untouched rather than blanked. No HTML escaping is applied
// because the destination is plain-text messaging channels; escaping would
// corrupt legitimate content.
func (c *Context) ReplaceVariables(template string) string {
	if template == "" {
		return ""
	}

	snapshot := c.GetAllVariables()
	result := template

	for key, value := range snapshot {
		if !safeKeyPattern.MatchString(key) {
			continue
		}

		result = strings.ReplaceAll(result, "{{"+key+"}}", formatVariableValue(value))
	}

	for _, match := range tokenPattern.FindAllString(result, -1) {
		path := match[2 : len(match)-2]
		if !safeKeyPattern.MatchString(path) {
			continue
		}

		value, ok := resolvePath(snapshot, path)
		if !ok {
			continue
		}

		result = strings.Replace(result, match, formatVariableValue(value), 1)
	}

	return result
}

// resolvePath walks a dotted path into nested objects, supporting access
// like contact.metadata.source where contact is a stored object.
func resolvePath(root map[string]any, path string) (any, bool) {
	var current any = root

	for part := range strings.SplitSeq(path, ".") {
		object, ok := asMap(current)
		if !ok {
			return nil, false
		}

		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// asMap coerces a value into string-keyed map form. Structs and struct
// pointers go through a JSON round trip so their exported fields resolve by
// tag name.
func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case nil:
		return nil, false
	}

	kind := reflect.ValueOf(value).Kind()
	if kind == reflect.Ptr {
		kind = reflect.ValueOf(value).Elem().Kind()
	}

	if kind != reflect.Struct && kind != reflect.Map {
		return nil, false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}

	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, false
	}

	return object, true
}

// formatVariableValue renders a variable for insertion into message text:
// nil becomes empty, arrays contribute their first non-empty element, objects
// are JSON-stringified, everything else is stringified directly.
func formatVariableValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		for _, item := range v {
			if item == nil || item == "" {
				continue
			}

			return formatVariableValue(item)
		}

		return ""
	case []string:
		for _, item := range v {
			if item != "" {
				return item
			}
		}

		return ""
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			item := rv.Index(i).Interface()
			if item == nil || item == "" {
				continue
			}

			return formatVariableValue(item)
		}

		return ""
	case reflect.Map, reflect.Struct, reflect.Ptr:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}

		return string(raw)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// setSystemVariables recomputes the reserved variables. Callers must hold no
// lock; the method locks internally so construction and clearing share it.
func (c *Context) setSystemVariables() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setTimeVariables(time.Now())
	c.variables["execution.startTime"] = c.startTime.Format(time.RFC3339)
}

// setTimeVariables writes the current-time keys. Caller holds the lock.
func (c *Context) setTimeVariables(now time.Time) {
	c.variables["date.today"] = now.Format("2006-01-02")
	c.variables["date.now"] = now.Format(time.RFC3339)
	c.variables["time.now"] = now.Format("15:04:05")
	c.variables["timestamp"] = now.UnixMilli()
	c.variables["current.timestamp"] = now.Format(time.RFC3339)
	c.variables["current.date"] = now.Format("2006-01-02")
	c.variables["current.time"] = now.Format("15:04:05")
}

// UpdateCurrentTimeVariables refreshes the time-derived variables to "now".
// Call before node evaluations that may reference current time; the context
// can be long-lived across a multi-step conversation.
func (c *Context) UpdateCurrentTimeVariables() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setTimeVariables(time.Now())
}

// SetContactVariables populates the contact namespace plus the whole object
// under the bare key, so templates can use both {{contact.name}} and nested
// access into {{contact.metadata.*}}.
func (c *Context) SetContactVariables(contact *models.Contact) {
	if contact == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["contact.id"] = contact.ID
	c.variables["contact.name"] = contact.Name
	c.variables["contact.identifier"] = contact.Identifier
	c.variables["contact.phone"] = contact.Phone
	c.variables["contact.email"] = contact.Email
	c.variables["contact"] = contact
}

// SetMessageVariables populates the message namespace. Additionally exposes
// sender.phone for inbound and receiver.phone for outbound messages, taken
// from the contact variables already in scope.
func (c *Context) SetMessageVariables(message *models.Message) {
	if message == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["message.id"] = message.ID
	c.variables["message.content"] = message.Content
	c.variables["message.type"] = string(message.Type)
	c.variables["message.timestamp"] = message.Timestamp
	c.variables["message.direction"] = string(message.Direction)
	c.variables["message.mediaUrl"] = message.MediaURL
	c.variables["message.metadata"] = message.Metadata
	c.variables["message"] = message

	contactPhone, _ := c.variables["contact.phone"].(string)

	switch message.Direction {
	case models.DirectionInbound:
		c.variables["sender.phone"] = contactPhone
	case models.DirectionOutbound:
		c.variables["receiver.phone"] = contactPhone
	}
}

func (c *Context) SetConversationVariables(conversation *models.Conversation) {
	if conversation == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["conversation.id"] = conversation.ID
	c.variables["conversation.status"] = conversation.Status
	c.variables["conversation"] = conversation
}

// SetAvailabilityData stores calendar availability under both keys templates
// use for it.
func (c *Context) SetAvailabilityData(availabilityData string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["availability"] = availabilityData
	c.variables["calendar.availability"] = availabilityData
}

func (c *Context) SetAIResponse(response string, metadata any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["ai.response"] = response
	c.variables["ai.lastResponse"] = response

	if metadata != nil {
		c.variables["ai.metadata"] = metadata
	}
}

// SetUserInput records user input from text or quick-reply interactions.
// An empty inputType defaults to "text".
func (c *Context) SetUserInput(input, inputType string) {
	if inputType == "" {
		inputType = "text"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["user.input"] = input
	c.variables["user.lastInput"] = input
	c.variables["user.inputType"] = inputType
}

func (c *Context) SetWebhookResponse(response any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["webhook.response"] = response
	c.variables["webhook.lastResponse"] = response
}

func (c *Context) SetHTTPResponse(response any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.variables["http.response"] = response
	c.variables["http.lastResponse"] = response
}

// MergeContext copies all variables from another context except the
// system-derived ones, so sub-flows and parallel branches can fold results
// back without clobbering this run's clock.
func (c *Context) MergeContext(other *Context) {
	if other == nil {
		return
	}

	for key, value := range other.GetAllVariables() {
		if strings.HasPrefix(key, "date.") ||
			strings.HasPrefix(key, "time.") ||
			strings.HasPrefix(key, "execution.") {
			continue
		}

		c.SetVariable(key, value)
	}
}

// ClearUserVariables wipes everything and recomputes the system variables
// from scratch rather than restoring cached values.
func (c *Context) ClearUserVariables() {
	c.mu.Lock()
	c.variables = make(map[string]any)
	c.mu.Unlock()

	c.setSystemVariables()
}

// Summary is a debugging snapshot of the context.
type Summary struct {
	VariableCount int       `json:"variable_count"`
	NodeDataCount int       `json:"node_data_count"`
	StartTime     time.Time `json:"start_time"`
}

func (c *Context) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Summary{
		VariableCount: len(c.variables),
		NodeDataCount: len(c.nodeData),
		StartTime:     c.startTime,
	}
}

// Clone duplicates the structure of the context: a new context with the same
// variable and node-data entries. Values are shared references.
func (c *Context) Clone() *Context {
	clone := NewContext(nil)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for key, value := range c.variables {
		clone.variables[key] = value
	}

	for key, value := range c.nodeData {
		clone.nodeData[key] = value
	}

	return clone
}
