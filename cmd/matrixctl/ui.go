package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"stagematrix/internal/matrix"
	"stagematrix/internal/stage"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func argOrPrompt(args []string, idx int, label string) (string, error) {
	if len(args) > idx {
		if v := strings.TrimSpace(args[idx]); v != "" {
			return v, nil
		}
	}
	return promptRequired(label)
}

func renderUser(u matrix.User) {
	paid := danger.Sprint("unpaid")
	if u.JoiningFeePaid {
		paid = success.Sprint("paid")
	}
	fmt.Printf("ID:             %s\n", u.ID)
	fmt.Printf("Username:       %s\n", u.Username)
	fmt.Printf("Email:          %s\n", u.Email)
	fmt.Printf("Stage:          %s\n", u.Stage)
	fmt.Printf("Referral code:  %s\n", u.ReferralCode)
	fmt.Printf("Joining fee:    %s\n", paid)
}

func renderReferral(res matrix.ReferralResult) {
	if !res.Success {
		printWarn("Referral not processed: " + res.Message)
		return
	}
	p := res.Placement
	accent.Println("\n== PLACEMENT ==")
	fmt.Printf("Member %s placed under %s (%s side, depth %d) in the %s matrix.\n",
		truncate(p.MemberID, 12), truncate(p.ParentID, 12), p.Side, p.Depth, p.Stage)
	if len(p.Credits) > 0 {
		fmt.Printf("%-14s %-10s %6s %-10s %12s %-10s\n", "OWNER", "STAGE", "LEVEL", "QUALIFIED", "BONUS", "STATUS")
		for _, c := range p.Credits {
			qualified := "no"
			if c.Qualified {
				qualified = "yes"
			}
			status := string(c.Status)
			if c.Duplicate {
				status = "duplicate"
			}
			fmt.Printf("%-14s %-10s %6d %-10s %12s %-10s\n",
				truncate(c.OwnerID, 14), c.OwnerStage, c.Level, qualified, formatMicros(c.BonusMicros), status)
		}
	}
	renderPromotions(p.Promotions)
}

func renderPromotions(promotions []matrix.Promotion) {
	if len(promotions) == 0 {
		return
	}
	fmt.Println()
	accent.Println("Promotions")
	for _, p := range promotions {
		line := fmt.Sprintf("  %s: %s -> %s (%d qualified)", truncate(p.UserID, 14), p.FromStage, p.ToStage, p.QualifiedCount)
		if p.ReleasedMicros > 0 {
			line += ", released " + formatMicros(p.ReleasedMicros)
		}
		success.Println(line)
	}
}

func renderProgression(res matrix.ProgressionResult) {
	if len(res.Promotions) == 0 {
		printInfo(fmt.Sprintf("%s stays at %s.", res.UserID, res.Stage))
		return
	}
	renderPromotions(res.Promotions)
}

func renderSweep(res matrix.SweepResult) {
	fmt.Printf("Checked: %d  Failed: %d  Promoted: %d\n", res.Checked, res.Failed, len(res.Promotions))
	renderPromotions(res.Promotions)
}

func renderSummary(s matrix.Summary) {
	accent.Printf("\n== %s (%s) ==\n", s.User.Username, s.User.Stage)
	fmt.Printf("Balance:       %s\n", formatMicros(s.Wallet.BalanceMicros))
	fmt.Printf("Total earned:  %s\n", formatMicros(s.Wallet.TotalEarnedMicros))
	if s.HeldCount > 0 {
		fmt.Printf("Held:          %s (%d earnings, released on leaving %s)\n", warn.Sprint(formatMicros(s.HeldMicros)), s.HeldCount, stage.NoStage)
	}
	if s.NextStage > s.User.Stage {
		fmt.Printf("Next stage:    %s\n", s.NextStage)
	}
	if len(s.Incentives) > 0 {
		fmt.Printf("Incentives:    %s\n", strings.Join(s.Incentives, ", "))
	}
	if len(s.Counters) > 0 {
		fmt.Println()
		fmt.Printf("%-10s %8s %10s %10s %-8s\n", "STAGE", "SLOTS", "QUALIFIED", "REQUIRED", "DONE")
		for _, c := range s.Counters {
			done := "no"
			if c.IsComplete {
				done = success.Sprint("yes")
			}
			fmt.Printf("%-10s %8d %10d %10d %-8s\n", c.Stage, c.SlotsFilled, c.QualifiedSlotsFilled, c.SlotsRequired, done)
		}
	}
	fmt.Println()
}

func renderTree(t matrix.MatrixTree) {
	accent.Printf("\n== %s matrix of %s (depth %d) ==\n", t.Stage, truncate(t.OwnerID, 14), t.Depth)
	if len(t.Nodes) <= 1 {
		printInfo("No members placed yet.")
		return
	}
	for _, n := range t.Nodes {
		indent := strings.Repeat("  ", n.Depth)
		if n.Depth == 0 {
			fmt.Printf("%s%s\n", indent, accent.Sprint(n.Username))
			continue
		}
		fmt.Printf("%s%s %s\n", indent, neutral.Sprintf("[%s]", n.Side), n.Username)
	}
	fmt.Println()
}

func formatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / stage.MicrosPerUnit
	frac := (v % stage.MicrosPerUnit) / 10_000
	return fmt.Sprintf("%s%s.%02d", sign, comma(whole), frac)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
