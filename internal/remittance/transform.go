package remittance

import (
	"encoding/json"
	"strings"
	"time"

	"fiscalbridge/internal/record"
	"fiscalbridge/internal/record/payload"
	dErrors "fiscalbridge/pkg/domain-errors"
)

// FieldMapping copies one value of the raw payload into the exchange body.
type FieldMapping struct {
	Source   string
	Target   string
	Required bool
}

// Mapping lists the exchange fields of one module.
type Mapping struct {
	Module string
	Fields []FieldMapping
}

// DefaultMappings are the exchange layouts the authority expects per module.
var DefaultMappings = []Mapping{
	{Module: record.ModuleContract, Fields: []FieldMapping{
		{Source: "numeroContrato", Target: "contract_number", Required: true},
		{Source: "valor", Target: "amount", Required: true},
		{Source: "naturezaObjeto", Target: "object_nature"},
		{Source: "objeto", Target: "object"},
		{Source: "fornecedor.documento", Target: "supplier_document"},
		{Source: "dataAssinatura", Target: "signed_at"},
		{Source: "vigencia.fim", Target: "valid_until"},
	}},
	{Module: record.ModuleDirectPurchase, Fields: []FieldMapping{
		{Source: "naturezaObjeto", Target: "object_nature", Required: true},
		{Source: "valor", Target: "amount", Required: true},
		{Source: "numeroProcesso", Target: "process_number"},
		{Source: "fundamentoLegal", Target: "legal_basis"},
		{Source: "fornecedor.documento", Target: "supplier_document"},
		{Source: "dataCompra", Target: "purchased_at"},
	}},
	{Module: record.ModuleCommitment, Fields: []FieldMapping{
		{Source: "numeroEmpenho", Target: "commitment_number", Required: true},
		{Source: "valor", Target: "amount", Required: true},
		{Source: "credor.documento", Target: "creditor_document"},
		{Source: "dataEmpenho", Target: "committed_at"},
		{Source: "dotacao", Target: "budget_allocation"},
	}},
	{Module: record.ModulePayment, Fields: []FieldMapping{
		{Source: "numeroEmpenho", Target: "commitment_number", Required: true},
		{Source: "valor", Target: "amount", Required: true},
		{Source: "dataPagamento", Target: "paid_at"},
		{Source: "credor.documento", Target: "creditor_document"},
	}},
}

// Header identifies the sender of an exchange document.
type Header struct {
	UnitCode    string    `json:"unit_code"`
	UnitName    string    `json:"unit_name"`
	Module      string    `json:"module"`
	Competency  string    `json:"competency"`
	Environment string    `json:"environment"`
	GeneratedAt time.Time `json:"generated_at"`
}

type document struct {
	Header Header `json:"header"`
	Body   any    `json:"body"`
}

type compiledField struct {
	path     payload.Path
	target   string
	required bool
}

// Transformer renders raw records into the authority's exchange format.
type Transformer struct {
	mappings map[string][]compiledField
}

// NewTransformer compiles the mappings. A mapping with a malformed source
// path or duplicate target is rejected.
func NewTransformer(mappings []Mapping) (*Transformer, error) {
	t := &Transformer{mappings: make(map[string][]compiledField, len(mappings))}
	for _, m := range mappings {
		module := record.NormalizeModule(m.Module)
		seen := make(map[string]bool, len(m.Fields))
		fields := make([]compiledField, 0, len(m.Fields))
		for _, f := range m.Fields {
			path, err := payload.CompilePath(f.Source)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid mapping for "+module)
			}
			if f.Target == "" || seen[f.Target] {
				return nil, dErrors.Newf(dErrors.CodeValidation, "mapping for %s has an empty or duplicate target %q", module, f.Target)
			}
			seen[f.Target] = true
			fields = append(fields, compiledField{path: path, target: f.Target, required: f.Required})
		}
		t.mappings[module] = fields
	}
	return t, nil
}

// Transform builds the exchange document for rec. Modules without a mapping
// carry the payload through unchanged. Missing required fields fail with
// CodeValidation naming every missing source.
func (t *Transformer) Transform(rec *record.RawRecord, header Header) (json.RawMessage, error) {
	header.Module = rec.Module
	header.Competency = rec.Competency

	var body any = rec.Payload
	if fields, ok := t.mappings[rec.Module]; ok {
		mapped := make(map[string]payload.Value, len(fields))
		var missing []string
		for _, f := range fields {
			v, ok := f.path.Resolve(rec.Payload)
			if !ok || v.IsNull() {
				if f.required {
					missing = append(missing, f.path.String())
				}
				continue
			}
			mapped[f.target] = v
		}
		if len(missing) > 0 {
			return nil, dErrors.Newf(dErrors.CodeValidation, "missing required field(s): %s", strings.Join(missing, ", "))
		}
		body = mapped
	}

	out, err := json.Marshal(document{Header: header, Body: body})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode exchange document")
	}
	return out, nil
}
