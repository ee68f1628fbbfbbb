package roles

// Page is one route of the dashboard front-end.
type Page struct {
	Path     string `json:"path"`
	Title    string `json:"title"`
	Requires Role   `json:"requires,omitempty"`
	// AnyNFT admits either NFT role.
	AnyNFT bool `json:"anyNft,omitempty"`
}

var Pages = []Page{
	{Path: "/", Title: "MonConnect"},
	{Path: "/organizer-auth", Title: "Organizer sign in"},
	{Path: "/service-auth", Title: "Service provider sign in"},
	{Path: "/jury-auth", Title: "Jury sign in"},
	{Path: "/dashboard", Title: "Dashboard", AnyNFT: true},
	{Path: "/organizer-dashboard", Title: "Organizer dashboard", Requires: Organizer},
	{Path: "/service-dashboard", Title: "Service provider dashboard", Requires: ServiceProvider},
	{Path: "/jury-dashboard", Title: "Jury dashboard", Requires: Jury},
}

// PageFor looks up a route.
func PageFor(path string) (Page, bool) {
	for _, p := range Pages {
		if p.Path == path {
			return p, true
		}
	}
	return Page{}, false
}

// Landing is where the generic /dashboard sends an account. Organizer wins
// when both NFT roles are held.
func Landing(r Roles) string {
	switch {
	case r.Organizer:
		return "/organizer-dashboard"
	case r.ServiceProvider:
		return "/service-dashboard"
	}
	return "/"
}

// Guard decides whether r may open p. When it may not, or when p is the
// generic dashboard, redirect names where to go instead.
func Guard(p Page, r Roles) (allowed bool, redirect string) {
	switch {
	case p.Path == "/dashboard":
		if r.Any() {
			return false, Landing(r)
		}
		return false, "/"
	case p.AnyNFT:
		if r.Any() {
			return true, ""
		}
		return false, "/"
	case p.Requires != "":
		if r.Has(p.Requires) {
			return true, ""
		}
		return false, "/"
	}
	return true, ""
}
