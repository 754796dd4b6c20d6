package extraction

import (
	"strings"

	"papergraph/core/domain"
)

// classifyConfidenceFloor is the keyword classifier score below which
// the LLM classifier is consulted instead.
const classifyConfidenceFloor = 0.8

// classifierHeadBytes bounds how much text the keyword classifier scans.
const classifierHeadBytes = 8192

// Strong markers decide on their own; weak markers need company.
var classifierMarkers = map[domain.DocumentType]struct {
	strong []string
	weak   []string
}{
	domain.DocInvoice: {
		strong: []string{"invoice number", "invoice no", "tax invoice"},
		weak:   []string{"invoice", "bill to", "amount due", "payment terms"},
	},
	domain.DocReceipt: {
		strong: []string{"thank you for your purchase", "payment received", "receipt number"},
		weak:   []string{"receipt", "paid", "change due", "cashier"},
	},
	domain.DocBankStatement: {
		strong: []string{"statement period", "opening balance", "closing balance"},
		weak:   []string{"statement", "account number", "withdrawals", "deposits"},
	},
	domain.DocPurchaseOrder: {
		strong: []string{"purchase order", "po number"},
		weak:   []string{"ship to", "ordered by"},
	},
	domain.DocSalesOrder: {
		strong: []string{"sales order"},
		weak:   []string{"order confirmation", "order number"},
	},
	domain.DocDeliveryNote: {
		strong: []string{"delivery note", "packing slip", "packing list"},
		weak:   []string{"delivered to", "shipment"},
	},
	domain.DocQuote: {
		strong: []string{"quotation", "quote number", "this quote is valid"},
		weak:   []string{"quote", "estimate", "valid until"},
	},
	domain.DocContract: {
		strong: []string{"this agreement", "hereinafter", "the parties agree"},
		weak:   []string{"agreement", "terms and conditions", "effective date"},
	},
	domain.DocTaxDocument: {
		strong: []string{"tax return", "form 1099", "form w-2", "vat return"},
		weak:   []string{"taxable", "tax year", "withholding"},
	},
}

// ClassifyByKeywords scores the document head against per-type marker
// sets. A strong marker alone, or two weak markers, clears the floor;
// anything weaker defers to the LLM.
func ClassifyByKeywords(text string) (domain.DocumentType, float64) {
	if len(text) > classifierHeadBytes {
		text = text[:classifierHeadBytes]
	}
	lower := strings.ToLower(text)

	best := domain.DocOther
	bestScore := 0.0
	for _, dt := range domain.KnownDocumentTypes {
		markers, ok := classifierMarkers[dt]
		if !ok {
			continue
		}
		score := 0.0
		for _, m := range markers.strong {
			if strings.Contains(lower, m) {
				score += 0.85
			}
		}
		for _, m := range markers.weak {
			if strings.Contains(lower, m) {
				score += 0.4
			}
		}
		if score > bestScore {
			best = dt
			bestScore = score
		}
	}

	if bestScore > 1.0 {
		bestScore = 1.0
	}
	if bestScore < classifyConfidenceFloor {
		return best, bestScore
	}
	return best, bestScore
}
