package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/foxzi/legismail/internal/mailer"
	"github.com/foxzi/legismail/internal/service"
)

// passwordEnv may hold the sender password for non-interactive use
const passwordEnv = "LEGISMAIL_SENDER_PASSWORD"

var (
	sendSubject     string
	sendMessage     string
	sendMessageFile string
	sendSenderName  string
	sendSenderEmail string
	sendIDs         []string
	sendDryRun      bool
	sendVerbose     bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a personalized message to the selected legislators",
	Long: `Send one message per selected legislator through the sender's relay.
Every {name} in the message is replaced by the legislator's name. The
password is read from $` + passwordEnv + ` or prompted for.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Message subject (required)")
	sendCmd.Flags().StringVar(&sendMessage, "message", "", "Message body")
	sendCmd.Flags().StringVar(&sendMessageFile, "message-file", "", "Read the message body from a file")
	sendCmd.Flags().StringVar(&sendSenderName, "sender-name", "", "Sender display name (required)")
	sendCmd.Flags().StringVar(&sendSenderEmail, "sender-email", "", "Sender address, also the relay login (required)")
	sendCmd.Flags().StringSliceVar(&sendIDs, "ids", nil, "Only these legislator IDs")
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Show recipients and a sample message without sending")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false, "Print the outcome for every recipient")
	addFilterFlags(sendCmd)

	sendCmd.MarkFlagRequired("subject")
	sendCmd.MarkFlagRequired("sender-name")
	sendCmd.MarkFlagRequired("sender-email")
	sendCmd.MarkFlagsMutuallyExclusive("message", "message-file")

	rootCmd.AddCommand(sendCmd)
}

func buildSendRequest() (*service.SendRequest, error) {
	body := sendMessage
	if sendMessageFile != "" {
		data, err := os.ReadFile(sendMessageFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read message file: %w", err)
		}
		body = string(data)
	}

	ids, err := parseIDs(sendIDs)
	if err != nil {
		return nil, err
	}

	return &service.SendRequest{
		Subject:     sendSubject,
		Message:     body,
		SenderName:  sendSenderName,
		SenderEmail: sendSenderEmail,
		Selection: &service.Selection{
			IDs:    ids,
			Filter: criteriaFromFlags(),
		},
	}, nil
}

func parseIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	req, err := buildSendRequest()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()

	if sendDryRun {
		preview, err := a.Service().Preview(ctx, req)
		if err != nil {
			return err
		}
		printPreview(out, preview)
		return nil
	}

	req.SenderPassword, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	result, err := a.Service().Send(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Send completed: %d sent, %d failed, %d total\n", result.Sent, result.Failed, result.Total())
	if sendVerbose || result.Failed > 0 {
		printItems(out, result.Items, !sendVerbose)
	}
	return nil
}

// readPassword takes the password from the environment, a terminal
// prompt, or the first line of piped stdin.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Sender password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printPreview(out io.Writer, p *service.Preview) {
	known := ""
	if !p.Known {
		known = " (default, sender domain not recognised)"
	}
	fmt.Fprintf(out, "Relay: %s%s\n", p.Endpoint, known)
	fmt.Fprintf(out, "Recipients: %d (%d without email will be skipped)\n\n", len(p.Recipients), p.WithoutEmail)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range p.Recipients {
		email := r.Email
		if email == "" {
			email = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\n", r.Name, email)
	}
	w.Flush()

	fmt.Fprintf(out, "\n--- sample ---\n%s", p.Sample)
}

func printItems(out io.Writer, items []mailer.RecipientResult, failedOnly bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, item := range items {
		if failedOnly && item.Status == mailer.StatusSent {
			continue
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", item.Status, item.Name, item.Email, item.Error)
	}
	w.Flush()
}
