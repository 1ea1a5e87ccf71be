package feedproto

import (
	"bytes"
	"embed"
	"encoding/json"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://tilestream.ai/schemas/"

var schemaFiles = map[string]string{
	TypeAddObserver:     "add_observer.schema.json",
	TypeUpdateObserver:  "update_observer.schema.json",
	TypeRemoveObserver:  "remove_observer.schema.json",
	TypeAddPrimitive:    "add_primitive.schema.json",
	TypeUpdatePrimitive: "update_primitive.schema.json",
	TypeSetMask:         "set_mask.schema.json",
	TypeRemovePrimitive: "remove_primitive.schema.json",
	TypeSubscribe:       "subscribe.schema.json",
	TypeAck:             "ack.schema.json",
	TypeError:           "error.schema.json",
	TypeSelection:       "selection.schema.json",
}

// Validator checks messages against the embedded JSON schemas.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, errors.Wrapf(err, "schema %s", e.Name())
		}
	}
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, errors.Wrapf(err, "compile %s", name)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// ValidateRaw checks one encoded message against the schema of its type.
func (v *Validator) ValidateRaw(b []byte) (BaseMessage, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return base, errors.Wrap(err, "decode")
	}
	s, ok := v.byType[base.Type]
	if !ok {
		return base, errors.Errorf("unknown message type %q", base.Type)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return base, errors.Wrap(err, "decode")
	}
	if err := s.Validate(doc); err != nil {
		return base, errors.New(firstLine(err.Error()))
	}
	return base, nil
}

// Validate encodes v and checks it; used for outbound messages in tests.
func (v *Validator) Validate(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = v.ValidateRaw(b)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
