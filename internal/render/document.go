package render

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Invoice schema namespaces
const (
	NamespaceFA3 = "http://crd.gov.pl/wzor/2025/06/25/13775/"
	NamespaceFA2 = "http://crd.gov.pl/wzor/2023/06/29/12648/"
)

// Templates maps an invoice schema namespace to its stylesheet file name
var Templates = map[string]string{
	NamespaceFA3: "kseffaktura_fa(3).xsl",
	NamespaceFA2: "kseffaktura.xsl",
}

// Document is the summary of an invoice read straight from its XML
type Document struct {
	Namespace     string `json:"namespace"`
	Schema        string `json:"schema"`
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	IssueDate     string `json:"issueDate,omitempty"`
	SellerNIP     string `json:"sellerNip,omitempty"`
	SellerName    string `json:"sellerName,omitempty"`
	BuyerNIP      string `json:"buyerNip,omitempty"`
	BuyerName     string `json:"buyerName,omitempty"`
	Currency      string `json:"currency,omitempty"`
	GrossAmount   string `json:"grossAmount,omitempty"`
}

// Parse reads the namespace and headline fields of an invoice document
func Parse(data []byte) (*Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("no root element found")
	}

	out := &Document{
		Namespace:     root.NamespaceURI(),
		InvoiceNumber: text(root, "Fa", "P_2"),
		IssueDate:     text(root, "Fa", "P_1"),
		Currency:      text(root, "Fa", "KodWaluty"),
		GrossAmount:   text(root, "Fa", "P_15"),
		SellerNIP:     text(root, "Podmiot1", "DaneIdentyfikacyjne", "NIP"),
		SellerName:    text(root, "Podmiot1", "DaneIdentyfikacyjne", "Nazwa"),
		BuyerNIP:      text(root, "Podmiot2", "DaneIdentyfikacyjne", "NIP"),
		BuyerName:     text(root, "Podmiot2", "DaneIdentyfikacyjne", "Nazwa"),
	}
	out.Schema = schemaName(out.Namespace)
	return out, nil
}

// DetectNamespace returns the namespace URI of the document root
func DetectNamespace(data []byte) (string, error) {
	d, err := Parse(data)
	if err != nil {
		return "", err
	}
	return d.Namespace, nil
}

func schemaName(ns string) string {
	switch ns {
	case NamespaceFA3:
		return "FA(3)"
	case NamespaceFA2:
		return "FA(2)"
	default:
		return "unknown"
	}
}

// text follows a path of local element names, ignoring prefixes
func text(elem *etree.Element, path ...string) string {
	for _, name := range path {
		elem = child(elem, name)
		if elem == nil {
			return ""
		}
	}
	return strings.TrimSpace(elem.Text())
}

func child(elem *etree.Element, localName string) *etree.Element {
	for _, c := range elem.ChildElements() {
		if c.Tag == localName {
			return c
		}
	}
	return nil
}
