package service

import (
	"time"

	"github.com/rl1809/allocation/internal/core/domain"
)

type ProductView struct {
	SKU           string      `json:"sku"`
	VersionNumber int         `json:"version_number"`
	Batches       []BatchView `json:"batches"`
}

type BatchView struct {
	Reference         string             `json:"reference"`
	ETA               *time.Time         `json:"eta,omitempty"`
	PurchasedQuantity int                `json:"purchased_quantity"`
	AvailableQuantity int                `json:"available_quantity"`
	Allocations       []domain.OrderLine `json:"allocations"`
}

func newProductView(p *domain.Product) ProductView {
	view := ProductView{SKU: p.SKU, VersionNumber: p.VersionNumber, Batches: []BatchView{}}
	for _, b := range p.Batches() {
		view.Batches = append(view.Batches, BatchView{
			Reference:         b.Reference,
			ETA:               b.ETA,
			PurchasedQuantity: b.PurchasedQuantity,
			AvailableQuantity: b.AvailableQuantity(),
			Allocations:       b.Allocations(),
		})
	}
	return view
}
