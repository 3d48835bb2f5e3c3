// Package classifier maps step action kinds to their execution mode.
package classifier

import (
	"sort"

	"github.com/rendis/steward/pkg/schema"
)

// Mode is how the engine treats a step.
type Mode string

const (
	// Human steps pause the run until a completion signal arrives.
	Human Mode = "HUMAN"
	// Auto steps are executed synchronously by a registered executor.
	Auto Mode = "AUTO"
)

// Known action kinds.
const (
	KindManualTask       schema.ActionKind = "task.manual"
	KindApprovalRequest  schema.ActionKind = "approval.request"
	KindFormSubmit       schema.ActionKind = "form.submit"
	KindDocumentReview   schema.ActionKind = "document.review"
	KindSignatureCollect schema.ActionKind = "signature.collect"

	KindHTTPRequest   schema.ActionKind = "http.request"
	KindTransformJQ   schema.ActionKind = "transform.jq"
	KindExprEval      schema.ActionKind = "expr.eval"
	KindLogWrite      schema.ActionKind = "log.write"
	KindEmailSend     schema.ActionKind = "email.send"
	KindDocumentParse schema.ActionKind = "document.parse"
	KindSheetWrite    schema.ActionKind = "sheet.write"
)

var modes = map[schema.ActionKind]Mode{
	KindManualTask:       Human,
	KindApprovalRequest:  Human,
	KindFormSubmit:       Human,
	KindDocumentReview:   Human,
	KindSignatureCollect: Human,

	KindHTTPRequest:   Auto,
	KindTransformJQ:   Auto,
	KindExprEval:      Auto,
	KindLogWrite:      Auto,
	KindEmailSend:     Auto,
	KindDocumentParse: Auto,
	KindSheetWrite:    Auto,
}

// Classify returns the execution mode of kind. An unknown kind is a
// configuration error.
func Classify(kind schema.ActionKind) (Mode, error) {
	m, ok := modes[kind]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration, "unknown action kind %q", kind).
			WithDetails(map[string]any{"action": string(kind)})
	}
	return m, nil
}

// IsKnown reports whether kind is in the classification table.
func IsKnown(kind schema.ActionKind) bool {
	_, ok := modes[kind]
	return ok
}

// KnownKinds returns every classified kind, sorted.
func KnownKinds() []schema.ActionKind {
	kinds := make([]schema.ActionKind, 0, len(modes))
	for k := range modes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
