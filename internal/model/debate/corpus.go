package debate

// CorpusHandle identifies a provisioned retrieval corpus. The corpus itself
// belongs to the Corpus Service; sessions only reference it.
type CorpusHandle struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Subject     string `json:"subject"`
	Stance      Stance `json:"stance"`
}
