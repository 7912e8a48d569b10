package domain

// Scope is one collection boundary inside a tenant, a security domain or
// environment exposed by the source API.
type Scope struct {
	ID        string
	Name      string
	Collected bool
}

// Record is a single item pulled from the source API. Payload stays opaque;
// the pipeline only ever looks at the identity and ordering fields.
type Record struct {
	ID        string
	ScopeID   string
	UpdatedAt string
	Payload   map[string]any
}

// Watermark is nested high-water-mark state: tenant domain, scope key and
// record-type key down to the highest ISO-8601 timestamp handled so far.
// Keys collapsed by a collector's granularity hold the "*" placeholder.
type Watermark map[string]map[string]map[string]string
