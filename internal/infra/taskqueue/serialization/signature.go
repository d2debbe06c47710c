// Package serialization converts task signatures to and from their protobuf
// wire format. A signature travels as a google.protobuf.Struct so its
// free-form arguments and nested chain survive the round trip without a
// generated schema per task.
package serialization

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
	"github.com/ahrav/cloudscan-armada/pkg/common/uuid"
)

const (
	fieldID       = "id"
	fieldName     = "name"
	fieldQueue    = "queue"
	fieldTenantID = "tenant_id"
	fieldArgs     = "args"
	fieldChain    = "chain"
	fieldAttempt  = "attempt"
)

// MarshalSignature encodes sig, including its chain, into protobuf bytes.
func MarshalSignature(sig tasks.Signature) ([]byte, error) {
	st, err := structpb.NewStruct(signatureToMap(sig))
	if err != nil {
		return nil, fmt.Errorf("converting signature %s to struct: %w", sig.Name, err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshaling signature %s: %w", sig.Name, err)
	}
	return data, nil
}

// UnmarshalSignature decodes bytes produced by MarshalSignature.
func UnmarshalSignature(data []byte) (tasks.Signature, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return tasks.Signature{}, fmt.Errorf("unmarshaling signature: %w", err)
	}
	return signatureFromMap(st.AsMap())
}

func signatureToMap(sig tasks.Signature) map[string]any {
	chain := make([]any, 0, len(sig.Chain))
	for _, link := range sig.Chain {
		chain = append(chain, signatureToMap(link))
	}
	args := make(map[string]any, len(sig.Args))
	for k, v := range sig.Args {
		args[k] = normalize(v)
	}
	return map[string]any{
		fieldID:       sig.ID,
		fieldName:     sig.Name.String(),
		fieldQueue:    sig.Queue.String(),
		fieldTenantID: sig.TenantID.String(),
		fieldArgs:     args,
		fieldChain:    chain,
		fieldAttempt:  sig.Attempt,
	}
}

func signatureFromMap(m map[string]any) (tasks.Signature, error) {
	name, _ := m[fieldName].(string)
	if name == "" {
		return tasks.Signature{}, fmt.Errorf("signature missing %q", fieldName)
	}

	sig := tasks.Signature{
		Name: tasks.Name(name),
		Args: tasks.Args{},
	}
	sig.ID, _ = m[fieldID].(string)
	if q, _ := m[fieldQueue].(string); q != "" {
		sig.Queue = tasks.QueueName(q)
	} else {
		sig.Queue = sig.Name.Queue()
	}
	if t, _ := m[fieldTenantID].(string); t != "" {
		id, err := uuid.Parse(t)
		if err != nil {
			return tasks.Signature{}, fmt.Errorf("signature %s tenant id: %w", name, err)
		}
		sig.TenantID = id
	}
	if a, ok := m[fieldAttempt].(float64); ok {
		sig.Attempt = int(a)
	}
	if args, ok := m[fieldArgs].(map[string]any); ok {
		for k, v := range args {
			sig.Args[k] = v
		}
	}
	if chain, ok := m[fieldChain].([]any); ok {
		for i, raw := range chain {
			lm, ok := raw.(map[string]any)
			if !ok {
				return tasks.Signature{}, fmt.Errorf("signature %s chain link %d is %T", name, i, raw)
			}
			link, err := signatureFromMap(lm)
			if err != nil {
				return tasks.Signature{}, fmt.Errorf("signature %s chain link %d: %w", name, i, err)
			}
			sig.Chain = append(sig.Chain, link)
		}
	}
	return sig, nil
}

// normalize rewrites typed slices and maps into the []any and map[string]any
// shapes structpb accepts.
func normalize(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case uuid.UUID:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
