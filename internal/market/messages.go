package market

import (
	"fmt"
	"strconv"
)

// AcceptMessage builds the exact acceptance message the signature covers.
// The wording is part of the wire contract and must not change.
func AcceptMessage(jobHash, buyer string, amount float64, currency string, ts int64) string {
	return fmt.Sprintf("VAP-ACCEPT|Job:%s|Buyer:%s|Amt:%s %s|Ts:%d|I accept this job and commit to delivering the work.",
		jobHash, buyer, formatAmount(amount), currency, ts)
}

// DeliverMessage builds the delivery message covering the result hash.
func DeliverMessage(jobID, resultHash string) string {
	return fmt.Sprintf("VAP-DELIVER|Job:%s|Hash:%s", jobID, resultHash)
}

// formatAmount renders an amount without a trailing fractional zero tail, so
// the same job always produces the same byte-for-byte message.
func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
