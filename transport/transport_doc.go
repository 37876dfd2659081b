// Package transport sends outbound federation requests.
//
// Actor documents are fetched with a single GET that refuses redirects.
// Activities are delivered as signed POSTs: the request is signed with
// httpsig before being handed to resty, so the Date, Digest and Signature
// headers on the wire are exactly the ones that were signed.
package transport
