package identity

import "github.com/shehryarbajwa/cookie-sandbox/pkg/models"

// Assign binds identities to count sandboxes round-robin over the pool.
// An empty pool yields count nil bindings.
func Assign(pool []models.Identity, count int) []*models.Identity {
	if count <= 0 {
		return nil
	}

	out := make([]*models.Identity, count)
	if len(pool) == 0 {
		return out
	}
	for i := range out {
		id := pool[i%len(pool)]
		out[i] = &id
	}
	return out
}
