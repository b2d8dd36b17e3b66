package dto

type CancelOfferRequest struct {
	Reason string `json:"reason"`
}

type TransitionSwapRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}
