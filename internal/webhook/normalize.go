package webhook

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://pulserelay.local/schemas/"

func mustSchema(name string) []byte {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("webhook: missing embedded schema %s: %v", name, err))
	}
	return data
}

type parserEntry struct {
	parser EventParser
	schema *jsonschema.Schema
}

// Normalizer parses raw webhook bodies into canonical events. It is safe for
// concurrent use once constructed.
type Normalizer struct {
	envelope *jsonschema.Schema
	parsers  map[EventType]parserEntry
}

func DefaultParsers() []EventParser {
	return []EventParser{recoveryParser{}, workoutParser{}, sleepParser{}}
}

// NewNormalizer compiles the envelope schema and one schema per parser. With no
// parsers the recovery, workout and sleep parsers are used.
func NewNormalizer(parsers ...EventParser) (*Normalizer, error) {
	if len(parsers) == 0 {
		parsers = DefaultParsers()
	}
	envelope, err := compileSchema("envelope.json", mustSchema("envelope.json"))
	if err != nil {
		return nil, err
	}
	n := &Normalizer{envelope: envelope, parsers: map[EventType]parserEntry{}}
	for _, p := range parsers {
		if p == nil {
			continue
		}
		schema, err := compileSchema(string(p.EventType())+".json", p.Schema())
		if err != nil {
			return nil, err
		}
		n.parsers[p.EventType()] = parserEntry{parser: p, schema: schema}
	}
	return n, nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := schemaBaseURL + name
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Normalize decodes body and dispatches on event_type. Unknown types return a
// *NormalizationError matching ErrUnknownEventType; shape problems in a known
// type match ErrMalformedField and name the offending field.
func (n *Normalizer) Normalize(body []byte, receivedAt time.Time) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Event{}, malformed("", "body", "invalid json")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Event{}, malformed("", "body", "expected object")
	}
	if err := n.envelope.Validate(obj); err != nil {
		return Event{}, malformed("", validationField(err), "invalid envelope")
	}
	eventType := EventType(obj["event_type"].(string))
	entry, ok := n.parsers[eventType]
	if !ok {
		return Event{}, &NormalizationError{Kind: KindUnknownEventType, EventType: string(eventType)}
	}
	if err := entry.schema.Validate(obj); err != nil {
		return Event{}, malformed(string(eventType), validationField(err), validationReason(err))
	}
	userID, err := canonicalUserID(obj["user_id"])
	if err != nil {
		return Event{}, malformed(string(eventType), "user_id", err.Error())
	}
	data, _ := obj["data"].(map[string]any)
	return entry.parser.Parse(userID, data, receivedAt.UTC())
}

func canonicalUserID(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		id := strings.TrimSpace(v)
		if id == "" {
			return "", fmt.Errorf("empty user id")
		}
		return id, nil
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return "", fmt.Errorf("user id is not an integer")
		}
		return fmt.Sprintf("%d", id), nil
	default:
		return "", fmt.Errorf("unsupported user id type")
	}
}

// validationField reduces a schema failure to the dotted path of the first leaf
// error, appending the property name for "required" failures.
func validationField(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "body"
	}
	leaf := firstLeaf(verr)
	path := append([]string(nil), leaf.InstanceLocation...)
	if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		path = append(path, req.Missing[0])
	}
	if len(path) == 0 {
		return "body"
	}
	return strings.Join(path, ".")
}

func validationReason(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return ""
	}
	switch leaf := firstLeaf(verr); leaf.ErrorKind.(type) {
	case *kind.Required:
		return "missing required field"
	case *kind.Type:
		return "wrong type"
	case *kind.Minimum, *kind.Maximum:
		return "out of range"
	default:
		return "invalid value"
	}
}

func firstLeaf(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}
