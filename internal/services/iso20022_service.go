package services

import (
	"database/sql"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kwartapay/backend/internal/models"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

// ISO20022Service renders confirmed settlements as pacs.008 credit transfer
// messages for downstream correspondent reporting.
type ISO20022Service struct {
	db           *sql.DB
	homeCurrency string
}

func NewISO20022Service(db *sql.DB, homeCurrency string) *ISO20022Service {
	return &ISO20022Service{db: db, homeCurrency: homeCurrency}
}

// GetReceipt returns a pacs.008 receipt for a confirmed settlement
// @Summary Export a settlement receipt
// @Description Render a CONFIRMED settlement as an ISO 20022 pacs.008 message
// @Tags settlements
// @Produce xml
// @Param idempotencyKey path string true "Idempotency key"
// @Success 200 {string} string "pacs.008 XML"
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /settlements/{idempotencyKey}/receipt [get]
func (iso *ISO20022Service) GetReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	key := chi.URLParam(r, "idempotencyKey")

	entry := &models.LedgerEntry{}
	err := iso.db.QueryRow(`
		SELECT idempotency_key, user_id, kind, home_amount, status,
		       COALESCE(external_reference, ''), updated_at
		FROM ledger_entries WHERE idempotency_key = $1 AND user_id = $2`, key, userID).
		Scan(&entry.IdempotencyKey, &entry.UserID, &entry.Kind, &entry.HomeAmount,
			&entry.Status, &entry.ExternalReference, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Settlement not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch settlement", http.StatusInternalServerError, nil)
		return
	}

	if entry.Status != models.StatusConfirmed {
		SendErrorResponse(w, "Receipt is only available for confirmed settlements", http.StatusConflict, nil)
		return
	}

	doc, err := iso.CreatePacs008(entry)
	if err != nil {
		log.Printf("[RECEIPT] Failed to build pacs.008 for %s: %v", key, err)
		SendErrorResponse(w, "Failed to build receipt", http.StatusInternalServerError, nil)
		return
	}

	xmlData, err := iso.ConvertToXML(doc)
	if err != nil {
		log.Printf("[RECEIPT] Failed to marshal pacs.008 for %s: %v", key, err)
		SendErrorResponse(w, "Failed to build receipt", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xmlData))
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message for
// a confirmed settlement entry.
func (iso *ISO20022Service) CreatePacs008(entry *models.LedgerEntry) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := entry.UpdatedAt

	debtor := entry.UserID
	creditor := "wallet:" + entry.UserID
	if entry.Kind == models.KindWithdraw {
		debtor, creditor = creditor, debtor
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(iso.homeCurrency),
				Value: entry.HomeAmount.InexactFloat64(),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(entry.IdempotencyKey)}[0],
					EndToEndId: common.Max35Text(entry.ExternalReference),
					TxId:       &[]common.Max35Text{common.Max35Text(entry.IdempotencyKey)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(iso.homeCurrency),
					Value: entry.HomeAmount.InexactFloat64(),
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("KWARTAPAY")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(debtor)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("RAILSTBL")}[0],
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(creditor)}[0],
				},
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO20022 document to an XML string.
func (iso *ISO20022Service) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
