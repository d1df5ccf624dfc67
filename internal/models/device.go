package models

// DeviceDescriptor identifies a discovered heart rate peripheral.
type DeviceDescriptor struct {
	Name string `json:"name"` // Advertised local name, may be empty
	ID   string `json:"id"`   // Opaque transport address
}

// DisplayName returns the name, falling back to the ID for unnamed peripherals.
func (d DeviceDescriptor) DisplayName() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name
}
