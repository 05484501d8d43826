package message

// Locator kinds carried in Pointer.RemoteType.
const (
	LocatorXPath = "xpath"
	LocatorPath  = "path"
	LocatorID    = "id"
)

// Pointer is a location-independent reference to an object that lives on a
// remote node. It is sent in place of a native handle.
type Pointer struct {
	RemoteNodeID  string `json:"remote_node_id"`
	RemoteType    string `json:"remote_type"`
	RemoteLocator string `json:"remote_locator"`
}

// AsPointer recognizes a pointer in a value decoded from JSON (a
// map[string]any) or a Pointer passed directly.
func AsPointer(v any) (Pointer, bool) {
	switch p := v.(type) {
	case Pointer:
		return p, true
	case *Pointer:
		if p == nil {
			return Pointer{}, false
		}
		return *p, true
	case map[string]any:
		nodeID, ok1 := p["remote_node_id"].(string)
		kind, ok2 := p["remote_type"].(string)
		locator, ok3 := p["remote_locator"].(string)
		if !ok1 || !ok2 || !ok3 || kind == "" {
			return Pointer{}, false
		}
		return Pointer{RemoteNodeID: nodeID, RemoteType: kind, RemoteLocator: locator}, true
	}
	return Pointer{}, false
}
