package remote

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
)

// Directory maps record categories to their remote services, preserving registration order.
type Directory struct {
	order    []records.Category
	services map[records.Category]Service
}

// NewDirectory constructs an empty Directory.
func NewDirectory() *Directory {
	return &Directory{services: make(map[records.Category]Service)}
}

// Register binds a category to a service. Registering a category again replaces its service.
func (d *Directory) Register(category records.Category, service Service) {
	if _, exists := d.services[category]; !exists {
		d.order = append(d.order, category)
	}
	d.services[category] = service
}

// Lookup returns the service of a category.
func (d *Directory) Lookup(category records.Category) (Service, error) {
	service, ok := d.services[category]
	if !ok || service == nil {
		return nil, fmt.Errorf("%w: %q is not configured for sync", records.ErrInvalidCategory, category)
	}
	return service, nil
}

// Categories lists registered categories in registration order.
func (d *Directory) Categories() []records.Category {
	result := make([]records.Category, len(d.order))
	copy(result, d.order)
	return result
}
