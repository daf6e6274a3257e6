package enrich

import (
	"context"
	"net/http"

	"github.com/thecabs/wallet-service/pkg/auth"
	"github.com/thecabs/wallet-service/pkg/policy"
)

const resourceType = "wallet"

// Resource identifies the route-bound target of the request. The wallet
// binder stores it before this middleware runs; requests without a bound
// wallet (creation, health) carry an empty one.
type Resource struct {
	ID          string
	OwnerAgency string
}

const (
	resourceKey ctxKey = iota + 1
	tagKey
)

// Tag pins the resource sensitivity for every route in a group, overriding
// the per-request header. Mount before Middleware.
func Tag(sensitivity string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tagKey, sensitivity)))
		})
	}
}

// WithResource stores the route-bound resource in the context.
func WithResource(ctx context.Context, res Resource) context.Context {
	return context.WithValue(ctx, resourceKey, res)
}

func resourceFromContext(ctx context.Context) Resource {
	res, _ := ctx.Value(resourceKey).(Resource)
	return res
}

// Middleware assembles the decision tuple from the verified subject, the
// bound resource and the request environment, and freezes it in the context.
func Middleware(b *Builder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, _ := auth.SubjectFromContext(r.Context())
			res := resourceFromContext(r.Context())
			in := policy.Input{
				Subject: policy.SubjectAttrs{
					ID:        sub.ID,
					Roles:     sub.Roles,
					Agency:    sub.Agency,
					Assurance: sub.Assurance,
				},
				Resource: policy.ResourceAttrs{
					Type:        resourceType,
					ID:          res.ID,
					OwnerAgency: res.OwnerAgency,
					Sensitivity: sensitivityFor(r),
				},
				Action: actionFor(r.Method),
				Env: policy.EnvAttrs{
					DeviceTrust: b.DeviceTrust(r),
					Risk:        b.Risk(r.Context(), sub.ID),
				},
			}
			next.ServeHTTP(w, r.WithContext(WithInput(r.Context(), in)))
		})
	}
}
