package validator

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/colorlab/backend/internal/models"
)

//go:embed schemas
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect schema failures.
var ErrValidation = errors.New("validation failed")

const schemaBaseURL = "https://colorlab.dev/schemas/"

// metadataSchemaByType maps a transaction type to its metadata schema file.
var metadataSchemaByType = map[string]string{
	models.CreditTypeImageGeneration: "generation",
	models.CreditTypeVideoGeneration: "video",
	models.CreditTypePurchase:        "purchase",
	models.CreditTypeSubscription:    "purchase",
	models.CreditTypeRefund:          "refund",
	models.CreditTypeReferral:        "note",
	models.CreditTypeBonus:           "note",
	models.CreditTypeAdminAdjustment: "note",
	models.CreditTypeExpiration:      "note",
	models.CreditTypePromotional:     "note",
}

// paramsSchemaByFeature maps a feature to its request parameter schema file.
var paramsSchemaByFeature = map[string]string{
	"stylization_all":            "image_edit",
	"stylization_local":          "image_edit",
	"description_edit":           "image_edit",
	"description_edit_with_mask": "image_edit",
	"remove_watermark":           "image_edit",
	"expand":                     "image_edit",
	"super_resolution":           "image_edit",
	"doodle":                     "image_edit",
	"control_cartoon_feature":    "image_edit",
	"colorization":               "colorization",
	"video_synthesis":            "video_synthesis",
	"liveportrait_animation":     "liveportrait",
	"emoji_animation":            "emoji",
}

// Validator checks transaction metadata and task parameters against the
// embedded JSON schemas.
type Validator struct {
	metadata map[string]*jsonschema.Schema
	features map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	metadata, err := compileDir("schemas/metadata")
	if err != nil {
		return nil, err
	}
	features, err := compileDir("schemas/features")
	if err != nil {
		return nil, err
	}
	return &Validator{metadata: metadata, features: features}, nil
}

// MustNew is New for package-level wiring; it panics on a broken embedded schema.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

func compileDir(dir string) (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", dir, err)
	}
	out := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		p := path.Join(dir, e.Name())
		data, err := schemaFS.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", p, err)
		}
		schema, err := jsonschema.CompileString(schemaBaseURL+strings.TrimPrefix(p, "schemas/"), string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", p, err)
		}
		out[name] = schema
	}
	return out, nil
}

// ValidateMetadata rejects metadata keys or value types not allowed for txType.
// Nil metadata is always valid.
func (v *Validator) ValidateMetadata(txType string, md models.Metadata) error {
	if len(md) == 0 {
		return nil
	}
	name, ok := metadataSchemaByType[txType]
	if !ok {
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidation, txType)
	}
	return validate(v.metadata[name], map[string]any(md))
}

// ValidateParams rejects request parameters the feature does not accept.
func (v *Validator) ValidateParams(feature string, params map[string]any) error {
	name, ok := paramsSchemaByFeature[feature]
	if !ok {
		if len(params) == 0 {
			return nil
		}
		return fmt.Errorf("%w: feature %q takes no parameters", ErrValidation, feature)
	}
	if params == nil {
		params = map[string]any{}
	}
	return validate(v.features[name], params)
}

// validate round-trips doc through JSON so typed Go values (uuid.UUID, int)
// are checked in their wire form.
func validate(schema *jsonschema.Schema, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
