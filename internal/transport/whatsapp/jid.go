// ABOUTME: Conversion between gateway channel addresses and WhatsApp JIDs
// ABOUTME: user@c.us maps onto the default user server, other servers pass through

package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types"

	"github.com/2389/wa-gateway/internal/session"
)

// toJID parses a channel address such as 51987654321@c.us or 1203@g.us.
func toJID(address string) (types.JID, error) {
	jid, err := types.ParseJID(address)
	if err != nil {
		return types.JID{}, fmt.Errorf("parsing address %q: %w", address, err)
	}
	if jid.User == "" {
		return types.JID{}, fmt.Errorf("address %q has no user part", address)
	}
	if jid.Server == types.LegacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid, nil
}

// toAddress renders the account JID in the gateway's address form.
func toAddress(jid types.JID) string {
	if jid.Server == types.DefaultUserServer {
		return types.NewJID(jid.User, types.LegacyUserServer).String()
	}
	return jid.ToNonAD().String()
}

func identityOf(jid types.JID, pushName, platform string) session.Identity {
	return session.Identity{
		Address:  toAddress(jid.ToNonAD()),
		User:     jid.User,
		Name:     pushName,
		Platform: platform,
	}
}
