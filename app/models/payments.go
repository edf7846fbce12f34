package models

type ProductPayload string

const (
	PremiumWeekPayload  ProductPayload = "premium_week"
	PremiumMonthPayload ProductPayload = "premium_month"
	AnalysesPackPayload ProductPayload = "analyses_pack"

	StarsCurrency = "XTR"
)

type Product struct {
	Payload     ProductPayload
	Title       string
	Description string
	Stars       int
	PremiumDays int
	PaidPhotos  int
}
