package evidence

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/contract"
	"github.com/accordsai/signdesk/pkg/evp"
	"github.com/accordsai/signdesk/pkg/sigevent"
	"github.com/accordsai/signdesk/pkg/sigsurface"

	"github.com/go-pdf/fpdf"
)

const (
	imageBoxW = 70.0
	imageBoxH = 28.0
	lineH     = 5.5
)

// PDFRenderer lays out the evidence on A4 pages with core fonts. Creation
// and modification dates come from the contract's signed_at and the
// catalog is sorted, so the same input always renders the same bytes.
type PDFRenderer struct {
	// Issuer is printed as the PDF author.
	Issuer string
}

func (r PDFRenderer) Render(in Input) ([]byte, error) {
	c := in.Contract
	signedAt, err := time.Parse(time.RFC3339Nano, in.Bundle.Contract.SignedAt)
	if err != nil {
		return nil, fmt.Errorf("signed_at: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(signedAt)
	pdf.SetModificationDate(signedAt)
	pdf.SetCatalogSort(true)
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	issuer := r.Issuer
	if issuer == "" {
		issuer = "signdesk"
	}
	pdf.SetTitle(tr("Signature evidence - "+c.Title), false)
	pdf.SetAuthor(tr(issuer), false)
	pdf.SetCreator("signdesk", false)
	pdf.SetSubject(c.ID, false)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 7)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(0, 4, fmt.Sprintf("%s  |  page %d/{nb}", in.Bundle.Hashes.BundleHash, pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Signature evidence", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)

	field := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(38, lineH, tr(label), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, lineH, tr(value), "", "L", false)
	}

	field("Contract", c.ID)
	field("Title", c.Title)
	if c.ClientName != "" {
		field("Client", c.ClientName)
	}
	if c.FileURL != nil {
		field("Document", *c.FileURL)
	}
	field("Created", formatTime(c.CreatedAt))
	if c.SentAt != nil {
		field("Sent", formatTime(*c.SentAt))
	}
	field("Completed", formatTime(signedAt))
	field("Status", string(c.Status))
	pdf.Ln(3)

	for i, s := range c.Signatories {
		if pdf.GetY()+imageBoxH+9*lineH > 297-18 {
			pdf.AddPage()
		}
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 8, tr(fmt.Sprintf("Signatory %d of %d", i+1, len(c.Signatories))), "B", 1, "L", false, 0, "")
		pdf.Ln(1)
		field("Name", s.Name)
		field("Email", s.Email)
		if s.CPF != nil {
			field("CPF", sigevent.FormatCPF(*s.CPF))
		}
		if s.BirthDate != nil {
			field("Birth date", *s.BirthDate)
		}
		if s.SignedAt != nil {
			field("Signed at", formatTime(*s.SignedAt))
		}
		field("Location", formatLocation(s.Location))
		if s.IPAddress != nil {
			field("IP address", *s.IPAddress)
		}
		id := evp.SignatoryID(i)
		if rec, ok := in.Bundle.Artifacts.Signatories[id]; ok {
			field("Image SHA-256", rec.SignatureImageSHA256)
		}
		if s.SignatureImage != nil {
			if err := drawSignature(pdf, "sig-"+id, *s.SignatureImage); err != nil {
				field("Signature", "image could not be embedded: "+err.Error())
			}
		}
		pdf.Ln(4)
	}

	if pdf.GetY()+8*lineH > 297-18 {
		pdf.AddPage()
	}
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Integrity", "B", 1, "L", false, 0, "")
	pdf.Ln(1)
	field("Bundle version", in.Bundle.BundleVersion)
	field("Record hash", in.Bundle.Contract.RecordHash)
	field("Manifest hash", in.Bundle.Hashes.ManifestHash)
	field("Bundle hash", in.Bundle.Hashes.BundleHash)
	if in.Seal != nil {
		field("Seal key", in.Seal.KeyID)
		field("Seal issued", in.Seal.IssuedAt)
		field("Seal", in.Seal.Signature)
	} else {
		field("Seal", "not sealed")
	}

	if pdf.Err() {
		return nil, pdf.Error()
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawSignature embeds the image re-encoded as PNG, scaled into the
// signature box. WebP uploads are not readable by the PDF writer directly.
func drawSignature(pdf *fpdf.Fpdf, name, dataURI string) error {
	_, data, err := sigsurface.ParseDataURI(dataURI, 0)
	if err != nil {
		return err
	}
	img, err := sigsurface.Decode(data, sigsurface.DefaultMaxPixels)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	info := pdf.RegisterImageOptionsReader(name, opts, &buf)
	if pdf.Err() {
		err := pdf.Error()
		pdf.ClearError()
		return err
	}
	w, h := info.Width(), info.Height()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("empty image")
	}
	scale := min(imageBoxW/w, imageBoxH/h)
	x, y := pdf.GetX(), pdf.GetY()
	pdf.ImageOptions(name, x, y, w*scale, h*scale, false, opts, 0, "")
	pdf.SetY(y + imageBoxH)
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func formatLocation(l *contract.Location) string {
	if l == nil || l.Empty() {
		return "not captured"
	}
	var parts []string
	if l.Latitude != nil && l.Longitude != nil {
		parts = append(parts, fmt.Sprintf("%.6f, %.6f", *l.Latitude, *l.Longitude))
	}
	if l.Address != nil {
		parts = append(parts, *l.Address)
	}
	return strings.Join(parts, " - ")
}
