package extraction

import (
	"papergraph/core/domain"
	"papergraph/pkg/fault"
)

// CostPolicy selects how far up the cost ladder the router may climb.
type CostPolicy string

const (
	// PolicyConservative never pays for vision OCR: scanned PDFs and
	// images are skipped with an explicit reason. The default.
	PolicyConservative CostPolicy = "cost_conservative"
	// PolicyQuality routes scanned PDFs and images to the vision model.
	PolicyQuality CostPolicy = "accuracy_first"
)

// Route is the router's verdict for one document's content.
type Route struct {
	Method domain.ExtractionMethod
	// Confidence assigned to the extraction when the method succeeds.
	// A clean text layer is authoritative.
	Confidence float64
}

// RouteContent picks the extraction method for a document. textLayerOK
// reports whether a PDF text layer passed the acceptance gate; it is
// ignored for images.
func RouteContent(policy CostPolicy, mimeType string, textLayerOK bool) (Route, error) {
	isPDF := mimeType == "application/pdf"

	if isPDF && textLayerOK {
		return Route{Method: domain.MethodPDFText, Confidence: 1.0}, nil
	}

	switch policy {
	case PolicyQuality:
		return Route{Method: domain.MethodVisionOCR, Confidence: 0.8}, nil
	default:
		if isPDF {
			return Route{}, fault.New(fault.KindScannedSkipped, "scanned pdf skipped by cost policy")
		}
		return Route{}, fault.New(fault.KindImageSkipped, "image skipped by cost policy")
	}
}
