package domain

// SendingDomain is a verified domain a tenant can send from, together with
// the provider credential used for that domain.
type SendingDomain struct {
	ID         string `json:"id" db:"id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	Name       string `json:"domain" db:"domain"`
	Credential string `json:"-" db:"provider_api_key"`
	Active     bool   `json:"active" db:"is_active"`
	IsDefault  bool   `json:"is_default" db:"is_default"`
}

// DefaultSender returns the fallback From address for the domain.
func (d *SendingDomain) DefaultSender() string {
	return "noreply@" + d.Name
}
