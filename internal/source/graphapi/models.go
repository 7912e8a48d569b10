package graphapi

// Wire envelopes for the graph API. Item contents stay opaque maps; only the
// envelope shape is typed and decoded once, at the client boundary.

type scopeData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Collected bool   `json:"collected"`
}

type scopesResponse struct {
	Data []scopeData `json:"data"`
}

type findingTypesResponse struct {
	Data []string `json:"data"`
}

type listResponse struct {
	Data []map[string]any `json:"data"`
}

type auditLogsResponse struct {
	Data struct {
		Logs []map[string]any `json:"logs"`
	} `json:"data"`
}

type postureResponse struct {
	Start string           `json:"start"`
	End   string           `json:"end"`
	Data  []map[string]any `json:"data"`
}

type findingTrendsResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Data  struct {
		Findings []map[string]any `json:"findings"`
	} `json:"data"`
}

type cypherResponse struct {
	Data struct {
		Nodes map[string]map[string]any `json:"nodes"`
	} `json:"data"`
}

// PostureWindow is the decoded posture-history response: the measurement
// window the API reports plus its items.
type PostureWindow struct {
	Start string
	End   string
	Items []map[string]any
}

// TrendWindow is the decoded finding-trends response for one query window.
type TrendWindow struct {
	Start    string
	End      string
	Findings []map[string]any
}
