package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/metrics"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/plist"
)

const (
	deletedBody  = "That package has been deleted, hope you didn't need it."
	unlockedBody = "That package has been removed from all catalogs and manifests."
)

// Notifier emails the admin list about package changes. A Notifier with no
// recipients sends nothing.
type Notifier struct {
	sender     Sender
	recipients []string
	log        *logging.Logger
}

// NewNotifier returns a notifier delivering to recipients through sender.
func NewNotifier(sender Sender, recipients []string, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.NewDefault("mail")
	}
	return &Notifier{sender: sender, recipients: recipients, log: log}
}

// Enabled reports whether notifications will be sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.sender != nil && len(n.recipients) > 0
}

// PackageChanged announces a form update before it is applied to pkg.
func (n *Notifier) PackageChanged(ctx context.Context, user string, pkg *pkginfo.PackageInfo, u pkginfo.Update) error {
	return n.send(ctx, "update", updateSubject(user, pkg.Filename), ChangeBody(pkg, u))
}

// PackagePlistChanged announces a plist upload. The body is the uploaded
// plist re-serialized with two-space indentation.
func (n *Notifier) PackagePlistChanged(ctx context.Context, user string, doc *plist.PackageInfoPlist) error {
	body, err := doc.XMLIndent(2)
	if err != nil {
		return fmt.Errorf("serialize plist: %w", err)
	}
	return n.send(ctx, "update_plist", updateSubject(user, doc.String(plist.KeyInstallerItemLocation)), string(body))
}

// PackageDeleted announces a deletion.
func (n *Notifier) PackageDeleted(ctx context.Context, user string, pkg *pkginfo.PackageInfo) error {
	return n.send(ctx, "delete", fmt.Sprintf("MSU Package Deleted by %s - %s", user, pkg.Filename), deletedBody)
}

// PackageUnlocked announces that pkg was pulled from catalogs and manifests.
func (n *Notifier) PackageUnlocked(ctx context.Context, user string, pkg *pkginfo.PackageInfo) error {
	return n.send(ctx, "unlock", fmt.Sprintf("MSU Package Unlocked by %s - %s", user, pkg.Filename), unlockedBody)
}

func updateSubject(user, filename string) string {
	return fmt.Sprintf("MSU Package Update by %s - %s", user, filename)
}

func (n *Notifier) send(ctx context.Context, kind, subject, body string) error {
	if !n.Enabled() {
		return nil
	}
	err := n.sender.Send(ctx, Message{To: n.recipients, Subject: subject, Body: body})
	metrics.RecordMailDelivery(kind, err == nil)
	if err != nil {
		n.log.WithContext(ctx).WithError(err).WithField("subject", subject).Error("admin notification failed")
		return err
	}
	return nil
}

// ForceInstallLayout formats force_install_after_date in change emails.
const ForceInstallLayout = "2006-01-02 15:04:05"

// ChangeBody describes the fields of u that differ from pkg. Only fields
// with a non-empty new value are listed.
func ChangeBody(pkg *pkginfo.PackageInfo, u pkginfo.Update) string {
	lines := []string{"New configuration:\n"}

	if u.UnattendedInstall != nil && *u.UnattendedInstall {
		old, _ := pkg.Plist.Bool(plist.KeyUnattendedInstall)
		if !old {
			lines = append(lines, fmt.Sprintf("%s: %t --> %t", plist.KeyUnattendedInstall, old, true))
		}
	}

	lists := []struct {
		label string
		old   []string
		new   []string
	}{
		{"Manifests", pkg.Manifests, u.Manifests},
		{"Catalogs", pkg.Catalogs, u.Catalogs},
		{"Install Types", pkg.InstallTypes, u.InstallTypes},
		{"manifest_mod_access", pkg.ManifestModAccess, u.ManifestModAccess},
	}
	for _, l := range lists {
		if len(l.new) == 0 || sameStrings(l.old, l.new) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s --> %s", l.label, strings.Join(l.old, ", "), strings.Join(l.new, ", ")))
	}

	fields := []struct {
		key   string
		value *string
	}{
		{plist.KeyName, u.Name},
		{plist.KeyDescription, u.Description},
		{plist.KeyDisplayName, u.DisplayName},
		{plist.KeyVersion, u.Version},
		{plist.KeyMinimumOSVersion, u.MinimumOSVersion},
		{plist.KeyMaximumOSVersion, u.MaximumOSVersion},
	}
	for _, f := range fields {
		if f.value == nil || *f.value == "" {
			continue
		}
		if old := pkg.Plist.String(f.key); old != *f.value {
			lines = append(lines, fmt.Sprintf("%s: %s --> %s", f.key, old, *f.value))
		}
	}

	if u.ForceInstallAfterDate != nil && !u.ForceInstallAfterDate.IsZero() {
		old, ok := pkg.Plist.Date(plist.KeyForceInstallAfterDate)
		if !ok || !old.Equal(*u.ForceInstallAfterDate) {
			lines = append(lines, fmt.Sprintf("%s: %s", plist.KeyForceInstallAfterDate, formatDate(*u.ForceInstallAfterDate)))
		}
	}

	return strings.Join(lines, "\n")
}

func formatDate(t time.Time) string {
	return t.Format(ForceInstallLayout)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
