package model

import "time"

// Device is a tracked IT asset.
type Device struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	SerialNumber   string     `json:"serialNumber"`
	CategoryID     string     `json:"categoryId,omitempty"`
	VendorID       string     `json:"vendorId,omitempty"`
	OEMID          string     `json:"oemId,omitempty"`
	Status         string     `json:"status,omitempty"`
	Location       string     `json:"location,omitempty"`
	WarrantyExpiry *time.Time `json:"warrantyExpiry,omitempty"`
}

// Vendor supplies devices or services.
type Vendor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContactEmail string `json:"contactEmail,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// Category groups devices.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// OEM is an original equipment manufacturer.
type OEM struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
}

// Link is a connectivity link (circuit) at a site.
type Link struct {
	ID        string     `json:"id"`
	Provider  string     `json:"provider"`
	CircuitID string     `json:"circuitId"`
	Bandwidth string     `json:"bandwidth,omitempty"`
	Site      string     `json:"site,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Entity is implemented by every catalog record.
type Entity interface {
	EntityID() string
	DisplayName() string
	SearchText() string
}

func (d Device) EntityID() string   { return d.ID }
func (v Vendor) EntityID() string   { return v.ID }
func (c Category) EntityID() string { return c.ID }
func (o OEM) EntityID() string      { return o.ID }
func (l Link) EntityID() string     { return l.ID }

func (d Device) DisplayName() string   { return d.Name }
func (v Vendor) DisplayName() string   { return v.Name }
func (c Category) DisplayName() string { return c.Name }
func (o OEM) DisplayName() string      { return o.Name }
func (l Link) DisplayName() string {
	if l.CircuitID == "" {
		return l.Provider
	}
	return l.Provider + " " + l.CircuitID
}

func (d Device) SearchText() string {
	return d.Name + " " + d.SerialNumber + " " + d.Location + " " + d.Status
}
func (v Vendor) SearchText() string   { return v.Name + " " + v.ContactEmail }
func (c Category) SearchText() string { return c.Name + " " + c.Description }
func (o OEM) SearchText() string      { return o.Name }
func (l Link) SearchText() string {
	return l.Provider + " " + l.CircuitID + " " + l.Site
}
