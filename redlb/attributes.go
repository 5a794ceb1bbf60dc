package redlb

import "google.golang.org/grpc/attributes"

type instanceKey struct{}

// withInstance attaches a copy of the instance to gRPC address attributes.
func withInstance(attr *attributes.Attributes, in *Instance) *attributes.Attributes {
	cp := *in
	if in.Metadata != nil {
		cp.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			cp.Metadata[k] = v
		}
	}
	return attr.WithValue(instanceKey{}, &cp)
}

// InstanceFromAttributes returns the instance a resolved address belongs to,
// or nil.
func InstanceFromAttributes(attr *attributes.Attributes) *Instance {
	if attr == nil {
		return nil
	}
	in, _ := attr.Value(instanceKey{}).(*Instance)
	return in
}

// Equal lets gRPC compare address attributes by identity instead of by
// pointer.
func (in *Instance) Equal(o any) bool {
	other, ok := o.(*Instance)
	if !ok || in == nil || other == nil {
		return ok && in == other
	}
	return in.ID == other.ID && in.Service == other.Service &&
		in.Address == other.Address && in.Extension == other.Extension
}
