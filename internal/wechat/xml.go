package wechat

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Message is the decoded inbound callback body. encoding/xml folds CDATA and
// plain character data into the same string fields, which covers both shapes
// the platform sends. Only the fields the service dispatches on are mapped;
// unknown elements are ignored.
type Message struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	URL          string   `xml:"Url"`
	Title        string   `xml:"Title"`
	MsgID        string   `xml:"MsgId"`
	Encrypt      string   `xml:"Encrypt"`
}

// ParseMessage decodes an inbound callback XML document.
func ParseMessage(body []byte) (*Message, error) {
	var m Message
	if err := xml.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("wechat: parse message: %w", err)
	}
	m.MsgType = strings.ToLower(strings.TrimSpace(m.MsgType))
	return &m, nil
}

// escapeCDATA prevents a closing-CDATA injection through user-influenced
// text (titles, URLs).
func escapeCDATA(s string) string {
	return strings.ReplaceAll(s, "]]>", "]]&gt;")
}

// TextReply renders a passive text reply. toUser/fromUser are already swapped
// by the caller (reply goes to the original sender).
func TextReply(toUser, fromUser, content string, now time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<xml>
	<ToUserName><![CDATA[%s]]></ToUserName>
	<FromUserName><![CDATA[%s]]></FromUserName>
	<CreateTime>%d</CreateTime>
	<MsgType><![CDATA[text]]></MsgType>
	<Content><![CDATA[%s]]></Content>
</xml>`, escapeCDATA(toUser), escapeCDATA(fromUser), now.Unix(), escapeCDATA(content))
}

// EncryptedReply renders the encrypted wrapper around an already-encrypted
// payload, carrying the signature material the platform re-verifies.
func EncryptedReply(encrypted, msgSignature, timestamp, nonce string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<xml>
	<Encrypt><![CDATA[%s]]></Encrypt>
	<MsgSignature><![CDATA[%s]]></MsgSignature>
	<TimeStamp>%s</TimeStamp>
	<Nonce><![CDATA[%s]]></Nonce>
</xml>`, escapeCDATA(encrypted), escapeCDATA(msgSignature), timestamp, escapeCDATA(nonce))
}
