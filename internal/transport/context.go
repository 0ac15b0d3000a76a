package transport

import "context"

type attestationKey struct{}

func withAttestation(ctx context.Context, att requestAttestation) context.Context {
	return context.WithValue(ctx, attestationKey{}, att)
}

func attestationFrom(ctx context.Context) (requestAttestation, bool) {
	att, ok := ctx.Value(attestationKey{}).(requestAttestation)
	return att, ok
}
