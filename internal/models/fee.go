package models

import "github.com/shopspring/decimal"

type FeeConfig struct {
	Symbol               string          `json:"symbol"`
	FeePercentage        decimal.Decimal `json:"fee_percentage"`
	MinimumFee           decimal.Decimal `json:"minimum_fee"`
	MaximumFee           decimal.Decimal `json:"maximum_fee"`
	FeeCollectionAddress string          `json:"fee_collection_address,omitempty"`
	IsActive             bool            `json:"is_active"`
}
