// Package messaging routes direct and broadcast messages between participants.
//
// Send runs validate, normalize, replay check, persist, route, in that order,
// and returns deliveries only after the message is stored. Direct messages go
// to the recipient's live agent connection or nowhere; there is no queue and
// no retry, so offline recipients read them later through History. Broadcasts
// go to every live connection except the sender.
//
// message_sent reports "delivered" as soon as the message is persisted,
// regardless of whether anyone was online to receive it.
package messaging
