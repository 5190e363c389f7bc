// Package opds holds the OPDS authentication document served when a catalog
// client needs to be challenged for credentials.
package opds

// Media types and link relations from the OPDS Authentication 1.0 spec
const (
	// AuthenticationDocumentType is the media type of the authentication
	// document itself
	AuthenticationDocumentType = "application/opds-authentication+json"
	// AuthenticationDocumentRel is the link relation catalog responses use
	// to point clients at the authentication document
	AuthenticationDocumentRel = "http://opds-spec.org/auth/document"
	// BasicAuthFlow identifies the HTTP Basic authentication flow
	BasicAuthFlow = "http://opds-spec.org/auth/basic"

	// AuthDocumentRoute is the unauthenticated route serving the document
	AuthDocumentRoute = "/opds/v2.0/auth"
)

// AuthenticationDocument tells an OPDS client how to authenticate
type AuthenticationDocument struct {
	ID             string               `json:"id"`
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	Authentication []AuthenticationFlow `json:"authentication"`
	Links          []Link               `json:"links"`
}

// AuthenticationFlow describes one supported authentication flow
type AuthenticationFlow struct {
	Type   string               `json:"type"`
	Labels *AuthenticationLabel `json:"labels,omitempty"`
}

// AuthenticationLabel customizes the credential prompts a client renders
type AuthenticationLabel struct {
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
}

// Link is a hyperlink within the authentication document
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// NewAuthenticationDocument builds the document for a server reachable at
// serviceURL. The links list is always populated; clients treat a document
// without links as malformed.
func NewAuthenticationDocument(serviceURL string) AuthenticationDocument {
	return AuthenticationDocument{
		ID:          serviceURL + AuthDocumentRoute,
		Title:       "Stump OPDS V2 Auth",
		Description: "Authentication for this OPDS catalog",
		Authentication: []AuthenticationFlow{
			{
				Type: BasicAuthFlow,
				Labels: &AuthenticationLabel{
					Login:    "Username",
					Password: "Password",
				},
			},
		},
		Links: []Link{
			{Rel: "help", Href: "https://stumpapp.dev", Type: "text/html"},
			{Rel: "logo", Href: serviceURL + "/favicon.ico", Type: "image/x-icon"},
		},
	}
}
