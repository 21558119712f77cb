package scene

import "opengrid.ai/internal/config"

// Services are the optional grid service endpoints handed to a destination with the agent.
type Services struct {
	Asset     string
	Inventory string
	Presence  string
	Groups    string
	Profile   string
}

func ServicesFromConfig(c config.ServiceURLs) Services {
	return Services{
		Asset:     c.Asset,
		Inventory: c.Inventory,
		Presence:  c.Presence,
		Groups:    c.Groups,
		Profile:   c.Profile,
	}
}

// URLs renders the non-empty endpoints under their wire keys.
func (s Services) URLs() map[string]string {
	out := map[string]string{}
	for k, v := range map[string]string{
		"AssetServerURI":     s.Asset,
		"InventoryServerURI": s.Inventory,
		"PresenceServerURI":  s.Presence,
		"GroupsServerURI":    s.Groups,
		"ProfileServerURI":   s.Profile,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
