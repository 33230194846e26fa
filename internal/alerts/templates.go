package alerts

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatKES renders an amount as "KES 1,000.00".
func FormatKES(amount decimal.Decimal) string {
	s := amount.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "KES " + b.String() + "." + frac
	if neg {
		out = "KES -" + b.String() + "." + frac
	}
	return out
}

func WelcomeEmail(to, name, appURL string) Email {
	return Email{
		Task: TaskWelcomeEmail,
		Envelope: EmailEnvelope{
			To:      to,
			Subject: fmt.Sprintf("Welcome to StrathShare, %s!", name),
			Body: fmt.Sprintf("Hi %s, thanks for joining StrathShare.\n\nPost a request or offer your skills: %s\n",
				name, strings.TrimRight(appURL, "/")),
		},
	}
}

func RequestAcceptedEmail(requestID, to, seekerName, providerName, title string) Email {
	return Email{
		Task:      TaskRequestAccepted,
		Reference: requestID,
		Envelope: EmailEnvelope{
			To:      to,
			Subject: "Your Request Has Been Accepted! - StrathShare",
			Body: fmt.Sprintf("Good news, %s!\n\n%s has accepted your request: %q.\n\nYou can now message them from the request page.",
				seekerName, providerName, title),
		},
	}
}

func PaymentReceivedEmail(transactionID, to, providerName, seekerName, title string, amount decimal.Decimal, receipt string) Email {
	return Email{
		Task:      TaskPaymentReceived,
		Reference: transactionID,
		Envelope: EmailEnvelope{
			To:      to,
			Subject: "Payment Received - StrathShare",
			Body: fmt.Sprintf("Hi %s,\n\nYou received %s from %s for: %s.\nM-Pesa receipt: %s\n",
				providerName, FormatKES(amount), seekerName, title, receipt),
		},
	}
}

func PaymentConfirmationEmail(transactionID, to, seekerName, providerName, title string, amount decimal.Decimal, receipt string) Email {
	return Email{
		Task:      TaskPaymentConfirmation,
		Reference: transactionID,
		Envelope: EmailEnvelope{
			To:      to,
			Subject: "Payment Confirmation - StrathShare",
			Body: fmt.Sprintf("Hi %s,\n\nYour payment of %s to %s for %q was successful.\nM-Pesa receipt: %s\n\nDon't forget to leave a review.",
				seekerName, FormatKES(amount), providerName, title, receipt),
		},
	}
}

func ReviewReceivedEmail(reviewID, to, revieweeName, reviewerName, title string, rating int) Email {
	return Email{
		Task:      TaskReviewReceived,
		Reference: reviewID,
		Envelope: EmailEnvelope{
			To:      to,
			Subject: fmt.Sprintf("You received a %d-star review - StrathShare", rating),
			Body: fmt.Sprintf("Hi %s,\n\n%s left you a %d-star review for: %s.\n",
				revieweeName, reviewerName, rating, title),
		},
	}
}

func RequestAbandonedEmail(requestID, to, name, title, reason string) Email {
	return Email{
		Task:      TaskRequestAbandoned,
		Reference: requestID,
		Envelope: EmailEnvelope{
			To:      to,
			Subject: "Request cancelled - StrathShare",
			Body:    fmt.Sprintf("Hi %s,\n\nThe request %q was cancelled by an administrator.\nReason: %s\n", name, title, reason),
		},
	}
}

func AdminAlertEmail(to, severity, message string) Email {
	return Email{
		Task:     TaskAdminAlert,
		Envelope: EmailEnvelope{To: to, Subject: "Admin Alert [" + severity + "]", Body: message},
	}
}
